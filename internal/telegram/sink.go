package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Sentinel errors for delivery failures.
var (
	// ErrTooLarge means the file exceeds what the bot API accepts.
	ErrTooLarge = errors.New("file too large for upload")
	// ErrForbidden means the bot cannot post to the target chat.
	ErrForbidden = errors.New("bot forbidden from chat")
	// ErrUnavailable covers network failures and server-side bot API errors.
	ErrUnavailable = errors.New("bot api unavailable")
)

// Sink delivers files and status updates to a chat.
type Sink interface {
	SendStatus(ctx context.Context, chatID int64, text string) (int64, error)
	EditStatus(ctx context.Context, chatID, messageID int64, text string) error
	SendFile(ctx context.Context, req FileRequest) (int64, error)
	Forward(ctx context.Context, toChatID, fromChatID, messageID int64) (int64, error)
	DeleteMessage(ctx context.Context, chatID, messageID int64) error
}

// FileRequest describes a file upload. AsVideo selects the video endpoint
// so players render an inline preview; everything else goes as a document.
type FileRequest struct {
	ChatID   int64
	Path     string
	Filename string
	Caption  string
	AsVideo  bool
}

// BotAPI implements Sink against the Telegram bot HTTP API.
type BotAPI struct {
	baseURL       string
	token         string
	client        *http.Client
	uploadTimeout time.Duration
}

// NewBotAPI creates a bot API sink. baseURL may point at a self-hosted
// bot API server, which raises the upload size ceiling.
func NewBotAPI(baseURL, token string, uploadTimeout time.Duration) *BotAPI {
	return &BotAPI{
		baseURL:       strings.TrimRight(baseURL, "/"),
		token:         token,
		client:        &http.Client{Timeout: 30 * time.Second},
		uploadTimeout: uploadTimeout,
	}
}

func (b *BotAPI) SendStatus(ctx context.Context, chatID int64, text string) (int64, error) {
	params := url.Values{
		"chat_id": {strconv.FormatInt(chatID, 10)},
		"text":    {text},
	}
	msg, err := b.call(ctx, b.client, "sendMessage", params)
	if err != nil {
		return 0, err
	}
	return msg.MessageID, nil
}

func (b *BotAPI) EditStatus(ctx context.Context, chatID, messageID int64, text string) error {
	params := url.Values{
		"chat_id":    {strconv.FormatInt(chatID, 10)},
		"message_id": {strconv.FormatInt(messageID, 10)},
		"text":       {text},
	}
	_, err := b.call(ctx, b.client, "editMessageText", params)
	// Editing with identical text is a no-op, not a failure.
	if err != nil && strings.Contains(err.Error(), "message is not modified") {
		return nil
	}
	return err
}

func (b *BotAPI) SendFile(ctx context.Context, req FileRequest) (int64, error) {
	f, err := os.Open(req.Path)
	if err != nil {
		return 0, fmt.Errorf("opening upload file: %w", err)
	}
	defer f.Close()

	method, field := "sendDocument", "document"
	if req.AsVideo {
		method, field = "sendVideo", "video"
	}

	// Stream the multipart body so large files never sit in memory.
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		err := writeFilePart(mw, field, req, f)
		mw.Close()
		pw.CloseWithError(err)
	}()

	uploadCtx := ctx
	if b.uploadTimeout > 0 {
		var cancel context.CancelFunc
		uploadCtx, cancel = context.WithTimeout(ctx, b.uploadTimeout)
		defer cancel()
	}

	u := fmt.Sprintf("%s/bot%s/%s", b.baseURL, b.token, method)
	httpReq, err := http.NewRequestWithContext(uploadCtx, http.MethodPost, u, pr)
	if err != nil {
		return 0, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	// Uploads get their own client without the short default timeout.
	uploadClient := &http.Client{}
	resp, err := uploadClient.Do(httpReq)
	if err != nil {
		return 0, classifyError(err)
	}
	defer resp.Body.Close()

	msg, err := decodeResult(resp)
	if err != nil {
		return 0, err
	}
	return msg.MessageID, nil
}

func (b *BotAPI) Forward(ctx context.Context, toChatID, fromChatID, messageID int64) (int64, error) {
	params := url.Values{
		"chat_id":      {strconv.FormatInt(toChatID, 10)},
		"from_chat_id": {strconv.FormatInt(fromChatID, 10)},
		"message_id":   {strconv.FormatInt(messageID, 10)},
	}
	msg, err := b.call(ctx, b.client, "forwardMessage", params)
	if err != nil {
		return 0, err
	}
	return msg.MessageID, nil
}

func (b *BotAPI) DeleteMessage(ctx context.Context, chatID, messageID int64) error {
	params := url.Values{
		"chat_id":    {strconv.FormatInt(chatID, 10)},
		"message_id": {strconv.FormatInt(messageID, 10)},
	}
	_, err := b.call(ctx, b.client, "deleteMessage", params)
	return err
}

// call posts a form-encoded bot API method and decodes the result message.
func (b *BotAPI) call(ctx context.Context, client *http.Client, method string, params url.Values) (*message, error) {
	u := fmt.Sprintf("%s/bot%s/%s", b.baseURL, b.token, method)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, classifyError(err)
	}
	defer resp.Body.Close()

	return decodeResult(resp)
}

func writeFilePart(mw *multipart.Writer, field string, req FileRequest, f *os.File) error {
	if err := mw.WriteField("chat_id", strconv.FormatInt(req.ChatID, 10)); err != nil {
		return err
	}
	if req.Caption != "" {
		if err := mw.WriteField("caption", req.Caption); err != nil {
			return err
		}
	}
	if req.AsVideo {
		if err := mw.WriteField("supports_streaming", "true"); err != nil {
			return err
		}
	}
	part, err := mw.CreateFormFile(field, req.Filename)
	if err != nil {
		return err
	}
	_, err = io.Copy(part, f)
	return err
}

// decodeResult maps bot API failures to sentinel errors and returns the
// result message on success.
func decodeResult(resp *http.Response) (*message, error) {
	var apiResp apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		if resp.StatusCode == http.StatusRequestEntityTooLarge {
			return nil, fmt.Errorf("%w: status %d", ErrTooLarge, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: decoding response: %v", ErrUnavailable, err)
	}
	if apiResp.OK {
		// Some methods return a bare boolean result (deleteMessage).
		var msg message
		if len(apiResp.Result) > 0 && apiResp.Result[0] == '{' {
			if err := json.Unmarshal(apiResp.Result, &msg); err != nil {
				return nil, fmt.Errorf("%w: decoding result: %v", ErrUnavailable, err)
			}
		}
		return &msg, nil
	}

	desc := apiResp.Description
	switch {
	case apiResp.ErrorCode == http.StatusRequestEntityTooLarge,
		strings.Contains(strings.ToLower(desc), "too large"):
		return nil, fmt.Errorf("%w: %s", ErrTooLarge, desc)
	case apiResp.ErrorCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: %s", ErrForbidden, desc)
	case apiResp.ErrorCode >= 500:
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, desc)
	default:
		return nil, fmt.Errorf("bot api error %d: %s", apiResp.ErrorCode, desc)
	}
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// --- bot API response types ---

type apiResponse struct {
	OK          bool            `json:"ok"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
}

type message struct {
	MessageID int64 `json:"message_id"`
}

// Compile-time check that BotAPI implements Sink.
var _ Sink = (*BotAPI)(nil)
