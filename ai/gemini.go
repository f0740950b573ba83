package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

const textModel = "gemini-2.5-flash"

// Gemini implements Service on top of the Gemini API. Structured calls pin
// a JSON response schema so parsing stays mechanical.
type Gemini struct {
	client *genai.Client
	speech *speechClient
	logger *log.Logger
}

var _ Service = (*Gemini)(nil)

func NewGemini(ctx context.Context, apiKey string, logger *log.Logger) (*Gemini, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("error creating gemini client: %w", err)
	}
	return &Gemini{
		client: client,
		speech: newSpeechClient(apiKey, logger),
		logger: logger,
	}, nil
}

func (g *Gemini) Close() error {
	return g.client.Close()
}

func (g *Gemini) textGenerator(schema *genai.Schema) *genai.GenerativeModel {
	model := g.client.GenerativeModel(textModel)
	if schema != nil {
		model.GenerationConfig.ResponseMIMEType = "application/json"
		model.GenerationConfig.ResponseSchema = schema
	}
	return model
}

const ocrPrompt = "This image may contain both English and Japanese text. " +
	"Perform OCR and extract ONLY the English text content. " +
	"Ignore all Japanese characters and return only the extracted English text. " +
	"Do not include any other commentary, explanations, or formatting like ```."

func (g *Gemini) ExtractText(ctx context.Context, image []byte, mimeType string) (string, error) {
	model := g.textGenerator(nil)
	resp, err := model.GenerateContent(ctx,
		genai.Blob{MIMEType: mimeType, Data: image},
		genai.Text(ocrPrompt),
	)
	if err != nil {
		return "", fmt.Errorf("error extracting text from image: %w", err)
	}
	text := strings.TrimSpace(responseText(resp))
	if text == "" {
		return "", ErrNoTextFound
	}
	g.logger.Debug("ocr", "len", len(text))
	return text, nil
}

var readingFeedbackSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"scores": {
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"accuracy":      {Type: genai.TypeNumber, Description: "Score from 1-5 for word accuracy."},
				"fluency":       {Type: genai.TypeNumber, Description: "Score from 1-5 for reading fluency."},
				"pronunciation": {Type: genai.TypeNumber, Description: "Score from 1-5 for pronunciation clarity, inferred from transcription."},
			},
			Required: []string{"accuracy", "fluency", "pronunciation"},
		},
		"analysis": {
			Type:        genai.TypeString,
			Description: "Constructive feedback in Markdown format, including word analysis and actionable tips.",
		},
	},
	Required: []string{"scores", "analysis"},
}

func readingPrompt(passage, transcription string) string {
	return fmt.Sprintf(`生徒（小学校高学年〜中学生）のリーディング能力を分析してください。「元のテキスト」と「生徒の書き起こし」を比較します。
フィードバックはすべて日本語で、専門用語を避け、分かりやすい言葉で記述してください。
フィードバックは全体で100〜150字程度に簡潔にまとめてください。

以下の項目を含めてください：
1.  正確さ、流暢さ、発音のスコア（1〜5、5が最高）。
2.  誤った発音や抜けている単語の指摘。
3.  改善のための具体的なアドバイスを1〜2個。

トーンは励ますような、前向きなものにしてください。
Markdown形式で記述してください。

---
**元のテキスト:**
%q
---
**生徒の書き起こし:**
%q
---`, passage, transcription)
}

func (g *Gemini) ScoreReading(ctx context.Context, passage, transcription string) (ReadingFeedback, error) {
	model := g.textGenerator(readingFeedbackSchema)
	resp, err := model.GenerateContent(ctx, genai.Text(readingPrompt(passage, transcription)))
	if err != nil {
		return ReadingFeedback{}, fmt.Errorf("error generating reading feedback: %w", err)
	}

	var parsed struct {
		Scores struct {
			Accuracy      float64 `json:"accuracy"`
			Fluency       float64 `json:"fluency"`
			Pronunciation float64 `json:"pronunciation"`
		} `json:"scores"`
		Analysis string `json:"analysis"`
	}
	if err := json.Unmarshal([]byte(extractJSONPayload(responseText(resp))), &parsed); err != nil {
		return ReadingFeedback{}, fmt.Errorf("error parsing reading feedback: %w", err)
	}
	return ReadingFeedback{
		Scores: Scores{
			Accuracy:      clampScore(parsed.Scores.Accuracy),
			Fluency:       clampScore(parsed.Scores.Fluency),
			Pronunciation: clampScore(parsed.Scores.Pronunciation),
		},
		Analysis: parsed.Analysis,
	}, nil
}

var pronunciationFeedbackSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"score": {Type: genai.TypeNumber, Description: "Score from 1-5 for pronunciation accuracy."},
		"analysis": {
			Type:        genai.TypeString,
			Description: "Constructive feedback in Markdown format on pronunciation, focusing on phonetics.",
		},
	},
	Required: []string{"score", "analysis"},
}

func pronunciationPrompt(word, transcription string) string {
	return fmt.Sprintf(`あなたは英語の発音を教える専門家です。生徒（小学校高学年〜中学生）が「%s」という単語またはフレーズを発音しようとしました。
生徒の音声認識結果は「%s」です。

フィードバックはすべて日本語で、専門用語（例：音素、フォニーム）を避け、簡潔に記述してください。
音声認識の精度そのものについて言及してはいけません。「聞き取れませんでした」などのコメントは不要です。
元の単語と認識結果の違いから**想定される発音の誤り**についてのみ、具体的で、励ますようなフィードバックをMarkdown形式で記述してください。
正しい口の形や舌の動きについて簡単なアドバイスをしてください。
発音の正確さを1から5のスケールで評価してください（5が最高）。

生徒の試み: %q
練習中の単語/フレーズ: %q`, word, transcription, transcription, word)
}

func (g *Gemini) ScorePronunciation(ctx context.Context, word, transcription string) (PronunciationFeedback, error) {
	model := g.textGenerator(pronunciationFeedbackSchema)
	resp, err := model.GenerateContent(ctx, genai.Text(pronunciationPrompt(word, transcription)))
	if err != nil {
		return PronunciationFeedback{}, fmt.Errorf("error generating pronunciation feedback: %w", err)
	}

	var parsed struct {
		Score    float64 `json:"score"`
		Analysis string  `json:"analysis"`
	}
	if err := json.Unmarshal([]byte(extractJSONPayload(responseText(resp))), &parsed); err != nil {
		return PronunciationFeedback{}, fmt.Errorf("error parsing pronunciation feedback: %w", err)
	}
	return PronunciationFeedback{
		Score:    clampScore(parsed.Score),
		Analysis: parsed.Analysis,
	}, nil
}

var vocabularySchema = &genai.Schema{
	Type: genai.TypeArray,
	Items: &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"word":       {Type: genai.TypeString},
			"definition": {Type: genai.TypeString},
			"example":    {Type: genai.TypeString},
		},
		Required: []string{"word", "definition", "example"},
	},
}

func vocabularyPrompt(passage string) string {
	return fmt.Sprintf(`以下の英語のテキストから、生徒が難しいと感じる可能性のある重要な英単語を5〜7個特定してください。
各単語について、簡単な日本語の定義と分かりやすい英語の例文を提示してください。

---
**テキスト:**
%q
---`, passage)
}

func (g *Gemini) Vocabulary(ctx context.Context, passage string) ([]VocabularyWord, error) {
	model := g.textGenerator(vocabularySchema)
	resp, err := model.GenerateContent(ctx, genai.Text(vocabularyPrompt(passage)))
	if err != nil {
		return nil, fmt.Errorf("error generating vocabulary help: %w", err)
	}

	var words []VocabularyWord
	if err := json.Unmarshal([]byte(extractJSONPayload(responseText(resp))), &words); err != nil {
		return nil, fmt.Errorf("error parsing vocabulary help: %w", err)
	}
	return words, nil
}

var quizSchema = &genai.Schema{
	Type: genai.TypeArray,
	Items: &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"question": {Type: genai.TypeString},
			"options":  {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
			"answer":   {Type: genai.TypeString},
		},
		Required: []string{"question", "options", "answer"},
	},
}

func quizPrompt(kind QuizKind, passages string) string {
	switch kind {
	case QuizVocabulary:
		return fmt.Sprintf("以下のテキストに基づいて、重要な英単語の意味を問う5つの多肢選択問題を作成してください。質問は英語の単語、選択肢は日本語の意味にしてください。各質問には4つの選択肢を付けてください。\n\nテキスト:\n%s", passages)
	case QuizVocabJaEn:
		return fmt.Sprintf(`以下の英語のテキストから重要な単語を5つ選び、それらの日本語訳を元にした多肢選択問題を作成してください。
質問は「[日本語訳]に最も意味が近い英単語はどれですか？」という形式にしてください。
選択肢は4つの英単語とし、そのうち1つが正解です。

テキスト:
%s`, passages)
	case QuizGrammar:
		return fmt.Sprintf("以下のテキストで使われている文法（時制、前置詞、冠詞など）に基づいて、5つの多肢選択問題を作成してください。各質問には4つの選択肢を付けてください。\n\nテキスト:\n%s", passages)
	default:
		return fmt.Sprintf("以下のテキストの内容理解度をテストするための5つの多肢選択問題を作成してください。各質問には4つの選択肢を付けてください。\n\nテキスト:\n%s", passages)
	}
}

func (g *Gemini) Quiz(ctx context.Context, kind QuizKind, passages string) ([]Question, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown quiz kind %q", kind)
	}
	model := g.textGenerator(quizSchema)
	resp, err := model.GenerateContent(ctx, genai.Text(quizPrompt(kind, passages)))
	if err != nil {
		return nil, fmt.Errorf("error generating %s quiz: %w", kind, err)
	}

	var questions []Question
	if err := json.Unmarshal([]byte(extractJSONPayload(responseText(resp))), &questions); err != nil {
		return nil, fmt.Errorf("error parsing %s quiz: %w", kind, err)
	}
	return questions, nil
}

func (g *Gemini) Speak(ctx context.Context, text string, voice Voice) ([]byte, error) {
	return g.speech.speak(ctx, text, voice)
}
