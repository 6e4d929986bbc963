package cmd

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/BDNK1/chatflow/runtime"
	"github.com/BDNK1/chatflow/runtime/engine/dsl"
	"github.com/BDNK1/chatflow/runtime/store"
	"github.com/spf13/cobra"
)

var chatUser string

var chatCmd = &cobra.Command{
	Use:   "chat <bot.yaml>",
	Short: "Talk to a bot from the terminal",
	Long: `Chat loads a bot and reads messages from stdin, one per line, printing
the bot's replies. State is kept in memory for the session. Type /quit to
leave and /reset to start the conversation over.

Example:
  chatflow chat examples/bot.yaml
`,
	Args: cobra.ExactArgs(1),
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVar(&chatUser, "user", "local", "User id of the terminal client")
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	l := newLogger(cfg.Engine.Debug)

	st := store.NewMemoryStore()
	loader := dsl.NewBotLoader(nil)
	app := runtime.NewApp(l, cfg, loader, st)
	defer app.Shutdown(cmd.Context())

	bot, err := loader.Load(args[0])
	if err != nil {
		return err
	}
	app.RegisterBot(bot)

	if err := registerPlugins(app); err != nil {
		return err
	}
	if err := app.Start(cmd.Context(), dsl.NewStepExecutor(l, cfg.Engine, app.Container)); err != nil {
		return err
	}

	client := runtime.Client{BotID: bot.ID, ChannelID: "cli", UserID: chatUser}
	return chatLoop(cmd, app, client, cmd.InOrStdin(), cmd.OutOrStdout())
}

func chatLoop(cmd *cobra.Command, app *runtime.App, client runtime.Client, in io.Reader, out io.Writer) error {
	ctx := cmd.Context()
	scanner := bufio.NewScanner(in)
	fmt.Fprint(out, "> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			fmt.Fprint(out, "> ")
			continue
		case "/quit":
			return nil
		case "/reset":
			if err := app.Store.CloseAllConversations(ctx, client); err != nil {
				return err
			}
			if err := app.Store.DeleteHold(ctx, client); err != nil {
				return err
			}
			fmt.Fprint(out, "(conversation reset)\n> ")
			continue
		}

		event := runtime.Event{
			ContentType: runtime.ContentText,
			Content:     runtime.Object(map[string]runtime.Literal{"text": runtime.String(line)}),
		}
		turn, err := app.HandleEvent(ctx, client.BotID, client, event)
		if err != nil {
			fmt.Fprintf(out, "error: %v\n> ", err)
			continue
		}
		for _, m := range turn.Messages {
			fmt.Fprintln(out, renderMessage(m))
		}
		if turn.Ended {
			fmt.Fprintln(out, "(conversation ended)")
		}
		fmt.Fprint(out, "> ")
	}
	return scanner.Err()
}

// renderMessage formats a message for the terminal.
func renderMessage(m runtime.Message) string {
	field := func(key string) string {
		v, ok := m.Content.Get(key)
		if !ok {
			return ""
		}
		return v.Text()
	}

	switch m.ContentType {
	case runtime.ContentText:
		return field("text")
	case runtime.ContentURL:
		return fmt.Sprintf("%s <%s>", field("text"), field("url"))
	case runtime.ContentImage:
		return fmt.Sprintf("[image %s]", field("url"))
	case runtime.ContentTyping, runtime.ContentWait:
		return fmt.Sprintf("[%s %sms]", m.ContentType, field("duration"))
	case runtime.ContentQuestion:
		var b strings.Builder
		b.WriteString(field("title"))
		buttons, _ := m.Content.Get("buttons")
		for _, btn := range buttons.Array {
			title, _ := btn.Get("title")
			fmt.Fprintf(&b, "\n  [%s]", title.Text())
		}
		return b.String()
	default:
		return fmt.Sprintf("[%s] %s", m.ContentType, m.Content.Text())
	}
}
