package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"readcoach/ai"
	"readcoach/store"
	"readcoach/stt"
	"readcoach/web"
)

var logger *log.Logger

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(listSessionsCmd)
	rootCmd.AddCommand(showSessionCmd)

	rootCmd.PersistentFlags().String("gemini-api-key", "", "Gemini API key")
	rootCmd.PersistentFlags().Int("http-port", 8080, "HTTP server port")
	rootCmd.PersistentFlags().String("db", "readcoach.db", "SQLite database path")

	viper.BindPFlag(
		"gemini_api_key",
		rootCmd.PersistentFlags().Lookup("gemini-api-key"),
	)
	viper.BindPFlag("http_port", rootCmd.PersistentFlags().Lookup("http-port"))
	viper.BindPFlag("db_path", rootCmd.PersistentFlags().Lookup("db"))
}

func initConfig() {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Printf("Error reading config file: %s\n", err)
		}
	}

	logger = log.New(os.Stderr)
}

var rootCmd = &cobra.Command{
	Use:   "readcoach",
	Short: "English reading practice coach",
	Long:  `Readcoach serves an English reading practice app: live transcription of read-aloud passages, AI scoring, vocabulary help, quizzes, and speech playback.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP and WebSocket server",
	Run:   runServe,
}

var listSessionsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List recorded practice sessions",
	Long:  `List every user's recorded reading sessions in a formatted table.`,
	Run:   runListSessions,
}

var showSessionCmd = &cobra.Command{
	Use:   "show",
	Short: "Show one session's feedback",
	Long:  `Pick a practice session interactively and render its Markdown feedback.`,
	Run:   runShowSession,
}

func createLoggers() (mainLogger, httpLogger, hearLogger, dataLogger *log.Logger) {
	logger.SetLevel(log.DebugLevel)
	logger.SetReportCaller(true)
	logger.SetCallerFormatter(
		func(file string, line int, funcName string) string {
			path, err := filepath.Rel(".", file)
			if err != nil {
				path = file
			}
			return fmt.Sprintf("%s:%d", path, line)
		},
	)

	styles := log.DefaultStyles()
	styles.Prefix = styles.Prefix.MarginTop(1).
		Bold(false).Transform(func(s string) string {
		return strings.TrimSuffix(s, ":")
	})
	styles.Levels[log.InfoLevel] = styles.Levels[log.InfoLevel].
		MaxWidth(6).
		MarginRight(1).
		Bold(false)
	styles.Levels[log.ErrorLevel] = styles.Levels[log.ErrorLevel].
		MaxWidth(6).
		MarginRight(1).
		Bold(false)
	styles.Message = styles.Message.Bold(true).Width(24)
	styles.Key = styles.Key.MarginLeft(1).
		Bold(false).
		Foreground(lipgloss.Color("#ff8800"))

	logger.SetStyles(styles)

	mainLogger = logger.With().WithPrefix("main")
	httpLogger = logger.With().WithPrefix("http")
	hearLogger = logger.With().WithPrefix("hear")
	dataLogger = logger.With().WithPrefix("data")

	return
}

func openStore(dataLogger *log.Logger) *store.Store {
	st, err := store.Open(viper.GetString("db_path"), dataLogger)
	if err != nil {
		logger.Fatal("open database", "error", err.Error())
	}
	return st
}

func runServe(cmd *cobra.Command, args []string) {
	mainLogger, httpLogger, hearLogger, dataLogger := createLoggers()

	apiKey := viper.GetString("gemini_api_key")
	if apiKey == "" {
		mainLogger.Fatal("missing gemini_api_key (flag, config.yaml, or GEMINI_API_KEY)")
	}

	st := openStore(dataLogger)
	defer st.Close()

	model, err := ai.NewGemini(context.Background(), apiKey, mainLogger)
	if err != nil {
		mainLogger.Fatal("create gemini client", "error", err.Error())
	}
	defer model.Close()

	transcriber := stt.NewGeminiClient(apiKey, hearLogger)
	handler := web.NewHandler(st, model, transcriber, httpLogger)

	port := viper.GetInt("http_port")
	if err := web.Serve(port, handler, httpLogger); err != nil {
		mainLogger.Fatal("start HTTP server", "error", err.Error())
	}
}

func runListSessions(cmd *cobra.Command, args []string) {
	_, _, _, dataLogger := createLoggers()

	st := openStore(dataLogger)
	defer st.Close()

	all := st.All()
	if len(all) == 0 {
		fmt.Println("No sessions found.")
		return
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"User", "Date", "Passage", "Acc", "Flu", "Pro", "Words", "Tests"})
	table.SetBorder(false)
	table.SetCenterSeparator("|")
	table.SetColumnSeparator("|")
	table.SetRowSeparator("-")
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)

	for user, history := range all {
		for _, s := range history.ReadingSessions {
			table.Append([]string{
				user,
				formatDate(s.Date),
				truncate(s.Passage, 40),
				fmt.Sprintf("%d", s.Scores.Accuracy),
				fmt.Sprintf("%d", s.Scores.Fluency),
				fmt.Sprintf("%d", s.Scores.Pronunciation),
				fmt.Sprintf("%d", len(history.PronunciationSessions)),
				fmt.Sprintf("%d", len(history.TestResults)),
			})
		}
	}

	table.Render()
}

func runShowSession(cmd *cobra.Command, args []string) {
	mainLogger, _, _, dataLogger := createLoggers()

	st := openStore(dataLogger)
	defer st.Close()

	type entry struct {
		user    string
		session store.PracticeSession
	}
	var entries []entry
	for user, history := range st.All() {
		for _, s := range history.ReadingSessions {
			entries = append(entries, entry{user: user, session: s})
		}
	}
	if len(entries) == 0 {
		mainLogger.Fatal("no practice sessions recorded")
	}

	options := make([]huh.Option[int], len(entries))
	for i, e := range entries {
		options[i] = huh.NewOption(
			fmt.Sprintf("%s (%s) - %s",
				e.user, formatDate(e.session.Date), truncate(e.session.Passage, 48)),
			i,
		)
	}

	var selected int
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[int]().
				Title("Choose a practice session").
				Options(options...).
				Value(&selected),
		),
	)
	if err := form.Run(); err != nil {
		mainLogger.Fatal("form input", "error", err.Error())
	}

	session := entries[selected].session

	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(78),
	)
	if err != nil {
		mainLogger.Fatal("create renderer", "error", err.Error())
	}

	var doc strings.Builder
	doc.WriteString(fmt.Sprintf("# %s\n\n", formatDate(session.Date)))
	doc.WriteString(fmt.Sprintf("**Passage:** %s\n\n", session.Passage))
	doc.WriteString(fmt.Sprintf("**Transcription:** %s\n\n", session.Transcription))
	doc.WriteString(fmt.Sprintf("**Scores:** accuracy %d, fluency %d, pronunciation %d\n\n",
		session.Scores.Accuracy, session.Scores.Fluency, session.Scores.Pronunciation))
	doc.WriteString(session.Feedback)
	if len(session.Vocabulary) > 0 {
		doc.WriteString("\n\n## Vocabulary\n\n")
		for _, v := range session.Vocabulary {
			doc.WriteString(fmt.Sprintf("- **%s**: %s\n  %s\n", v.Word, v.Definition, v.Example))
		}
	}

	rendered, err := renderer.Render(doc.String())
	if err != nil {
		mainLogger.Fatal("render feedback", "error", err.Error())
	}
	fmt.Print(rendered)
}

func formatDate(date string) string {
	t, err := time.Parse(time.RFC3339Nano, date)
	if err != nil {
		return date
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
