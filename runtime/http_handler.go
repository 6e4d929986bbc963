package runtime

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/Jeffail/gabs/v2"
	"github.com/gin-gonic/gin"
	"gopkg.in/yaml.v3"
)

// RunRequest is the decoded body of POST /run.
type RunRequest struct {
	BotID  string
	Client Client
	Event  Event
}

// NewHttpHandler registers the chat endpoints of app on g.
func NewHttpHandler(app *App, g *gin.Engine) {
	limit := app.Config.MaxBodyBytes
	if limit <= 0 {
		limit = 8 << 20
	}
	g.Use(limitBody(limit))

	g.GET("/", handleHealth(app))
	g.POST("/validate", handleValidate(app))
	g.POST("/run", handleRun(app))
	g.GET("/conversations/open", handleOpenConversation(app))
	g.POST("/conversations/close", handleCloseConversation(app))
	g.GET("/conversations/messages", handleMessages(app))
}

func limitBody(limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		}
		c.Next()
	}
}

func handleHealth(app *App) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "bots": app.BotIDs()})
	}
}

// handleValidate checks a bot manifest posted as JSON or YAML. Flows must be
// inline (content), since there is no directory to resolve files against.
func handleValidate(app *App) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, ok := readBody(c)
		if !ok {
			return
		}

		var def BotDefinition
		// YAML is a superset of JSON, so one decoder serves both.
		if err := yaml.Unmarshal(body, &def); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"message": "Wrong request body format: " + err.Error()})
			return
		}
		for _, fd := range def.Flows {
			if fd.File != "" && fd.Content == "" {
				c.JSON(http.StatusBadRequest, gin.H{"message": fmt.Sprintf("flow %s: file references are not supported, inline the content", fd.Name)})
				return
			}
		}

		report := app.Loader.Validate(def, "")
		c.JSON(http.StatusOK, gin.H{
			"valid":    report.Valid(),
			"errors":   report.Errors,
			"warnings": report.Warnings,
		})
	}
}

func handleRun(app *App) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, ok := readBody(c)
		if !ok {
			return
		}

		req, err := ParseRunRequest(body)
		if err != nil {
			writeError(c, err)
			return
		}

		out, err := app.HandleEvent(c.Request.Context(), req.BotID, req.Client, req.Event)
		if err != nil {
			slog.Error("Turn failed",
				"bot", req.BotID,
				"client", req.Client.Key(),
				"error", err.Error())
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, out)
	}
}

func handleOpenConversation(app *App) gin.HandlerFunc {
	return func(c *gin.Context) {
		client, err := clientFromQuery(c)
		if err != nil {
			writeError(c, err)
			return
		}
		conv, err := app.Store.GetOpenConversation(c.Request.Context(), client)
		if err != nil {
			writeError(c, StorageError("get open conversation", err))
			return
		}
		if conv == nil {
			c.JSON(http.StatusNotFound, gin.H{"message": "no open conversation"})
			return
		}
		c.JSON(http.StatusOK, conv)
	}
}

// handleCloseConversation closes every open conversation of a client and
// drops its hold, so the next event starts the default flow over.
func handleCloseConversation(app *App) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, ok := readBody(c)
		if !ok {
			return
		}
		parsed, err := gabs.ParseJSON(body)
		if err != nil {
			c.JSON(http.StatusBadRequest, wrongBodyFormatRes)
			return
		}
		client := clientFrom(parsed)
		if err := ValidateStruct(client); err != nil {
			writeError(c, ConfigErrorf("invalid client: %v", err))
			return
		}

		ctx := c.Request.Context()
		if err := app.Store.CloseAllConversations(ctx, client); err != nil {
			writeError(c, StorageError("close conversations", err))
			return
		}
		if err := app.Store.DeleteHold(ctx, client); err != nil {
			writeError(c, StorageError("delete hold", err))
			return
		}
		c.JSON(http.StatusOK, gin.H{"closed": true})
	}
}

func handleMessages(app *App) gin.HandlerFunc {
	return func(c *gin.Context) {
		client, err := clientFromQuery(c)
		if err != nil {
			writeError(c, err)
			return
		}
		limit := app.Config.Engine.HistoryLimit
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				c.JSON(http.StatusBadRequest, gin.H{"message": "limit must be a positive integer"})
				return
			}
			limit = n
		}

		page, err := app.Store.ListMessages(c.Request.Context(), client, limit)
		if err != nil {
			writeError(c, StorageError("list messages", err))
			return
		}
		c.JSON(http.StatusOK, page)
	}
}

var wrongBodyFormatRes = gin.H{"message": "Wrong request body format"}

func readBody(c *gin.Context) ([]byte, bool) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"message": fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit)})
			return nil, false
		}
		c.JSON(http.StatusBadRequest, wrongBodyFormatRes)
		return nil, false
	}
	return body, true
}

// ParseRunRequest decodes
//
//	{"bot_id": "...", "client": {"channel_id": "...", "user_id": "..."},
//	 "payload": {"content_type": "text", "content": {"text": "hi"}}}
//
// A payload may also be a bare string, read as a text event.
func ParseRunRequest(body []byte) (RunRequest, error) {
	parsed, err := gabs.ParseJSON(body)
	if err != nil {
		return RunRequest{}, ConfigErrorf("wrong request body format: %v", err)
	}

	botID, _ := parsed.Path("bot_id").Data().(string)
	if botID == "" {
		botID, _ = parsed.Path("client.bot_id").Data().(string)
	}
	if botID == "" {
		return RunRequest{}, ConfigErrorf("bot_id is required")
	}

	client := clientFrom(parsed.Path("client"))
	client.BotID = botID
	if err := ValidateStruct(client); err != nil {
		return RunRequest{}, ConfigErrorf("invalid client: %v", err)
	}

	if !parsed.Exists("payload") {
		return RunRequest{}, ConfigErrorf("payload is required")
	}
	event, err := ParseEvent(parsed.Path("payload"))
	if err != nil {
		return RunRequest{}, err
	}
	return RunRequest{BotID: botID, Client: client, Event: event}, nil
}

// ParseEvent reads an inbound event. A text event whose content is a bare
// string is normalized to {"text": ...}.
func ParseEvent(payload *gabs.Container) (Event, error) {
	if s, ok := payload.Data().(string); ok {
		return textEvent(s), nil
	}

	contentType, _ := payload.Path("content_type").Data().(string)
	if contentType == "" {
		return Event{}, ConfigErrorf("payload.content_type is required")
	}
	content := payload.Path("content").Data()
	if contentType == ContentText {
		if s, ok := content.(string); ok {
			return textEvent(s), nil
		}
	}
	return Event{ContentType: contentType, Content: FromGo(content)}, nil
}

func textEvent(text string) Event {
	return Event{
		ContentType: ContentText,
		Content:     Object(map[string]Literal{"text": String(text)}),
	}
}

func clientFrom(c *gabs.Container) Client {
	get := func(key string) string {
		s, _ := c.Path(key).Data().(string)
		return s
	}
	return Client{BotID: get("bot_id"), ChannelID: get("channel_id"), UserID: get("user_id")}
}

func clientFromQuery(c *gin.Context) (Client, error) {
	client := Client{
		BotID:     c.Query("bot_id"),
		ChannelID: c.Query("channel_id"),
		UserID:    c.Query("user_id"),
	}
	if err := ValidateStruct(client); err != nil {
		return Client{}, ConfigErrorf("invalid client: %v", err)
	}
	return client, nil
}

// writeError renders err as JSON with a status derived from its kind.
func writeError(c *gin.Context, err error) {
	rerr, ok := AsError(err)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
		return
	}
	c.JSON(statusFor(rerr), gin.H{"message": strings.TrimSpace(rerr.Message), "error": rerr.ToMap()})
}

func statusFor(err *Error) int {
	if err.Code == CodeBotNotFound {
		return http.StatusNotFound
	}
	switch err.Kind {
	case ErrorKindConfig, ErrorKindParse:
		return http.StatusBadRequest
	case ErrorKindEvaluation:
		return http.StatusUnprocessableEntity
	case ErrorKindAction:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
