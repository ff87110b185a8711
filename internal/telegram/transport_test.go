package telegram

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/fpang/photo-detect/internal/jobs"
	"github.com/fpang/photo-detect/internal/session"
)

type fakeBot struct {
	sent       []tgbotapi.Chattable
	sendErr    error
	file       tgbotapi.File
	webhookURL string
	requests   map[string]tgbotapi.Params
	updates    chan tgbotapi.Update
}

func (f *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.sent = append(f.sent, c)
	return tgbotapi.Message{}, f.sendErr
}

func (f *fakeBot) GetFile(tgbotapi.FileConfig) (tgbotapi.File, error) {
	return f.file, nil
}

func (f *fakeBot) GetWebhookInfo() (tgbotapi.WebhookInfo, error) {
	return tgbotapi.WebhookInfo{URL: f.webhookURL}, nil
}

func (f *fakeBot) MakeRequest(endpoint string, params tgbotapi.Params) (*tgbotapi.APIResponse, error) {
	if f.requests == nil {
		f.requests = map[string]tgbotapi.Params{}
	}
	f.requests[endpoint] = params
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeBot) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	if f.updates != nil {
		return f.updates
	}
	return make(chan tgbotapi.Update)
}

func (f *fakeBot) StopReceivingUpdates() {}

func TestSendText(t *testing.T) {
	bot := &fakeBot{}
	tr := NewTransport(bot, "tok", t.TempDir())
	if err := tr.SendText(context.Background(), "42", "hello"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	msg, ok := bot.sent[0].(tgbotapi.MessageConfig)
	if !ok || msg.ChatID != 42 || msg.Text != "hello" {
		t.Errorf("unexpected message %#v", bot.sent[0])
	}
}

func TestSendText_BadChatID(t *testing.T) {
	tr := NewTransport(&fakeBot{}, "tok", t.TempDir())
	if err := tr.SendText(context.Background(), "not-a-number", "x"); !errors.Is(err, jobs.ErrBadInput) {
		t.Errorf("expected ErrBadInput, got %v", err)
	}
}

func TestSendPhoto_MissingFile(t *testing.T) {
	bot := &fakeBot{}
	tr := NewTransport(bot, "tok", t.TempDir())
	if err := tr.SendPhoto(context.Background(), "42", filepath.Join(t.TempDir(), "nope.jpg")); err == nil {
		t.Error("expected error for missing file")
	}
	if len(bot.sent) != 0 {
		t.Error("nothing should be sent")
	}
}

func TestStagePhoto(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/file/photos/file_7.jpg" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("jpeg-bytes"))
	}))
	defer srv.Close()

	stage := t.TempDir()
	tr := NewTransport(&fakeBot{file: tgbotapi.File{FileID: "abc", FilePath: "photos/file_7.jpg"}}, "tok", stage)
	tr.fileURL = func(p string) string { return srv.URL + "/file/" + p }

	path, err := tr.StagePhoto(context.Background(), "abc")
	if err != nil {
		t.Fatalf("StagePhoto: %v", err)
	}
	if filepath.Dir(path) != filepath.Join(stage, "photos") {
		t.Errorf("staged under %s", filepath.Dir(path))
	}
	if base := filepath.Base(path); !strings.HasPrefix(base, "file_7-") || !strings.HasSuffix(base, ".jpg") {
		t.Errorf("unexpected staged name %s", base)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "jpeg-bytes" {
		t.Errorf("content = %q", data)
	}
}

func TestStagePhoto_DownloadFailureCleansUp(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	stage := t.TempDir()
	tr := NewTransport(&fakeBot{file: tgbotapi.File{FilePath: "photos/file_7.jpg"}}, "tok", stage)
	tr.fileURL = func(p string) string { return srv.URL + "/" + p }

	if _, err := tr.StagePhoto(context.Background(), "abc"); !errors.Is(err, jobs.ErrTransientIO) {
		t.Fatalf("expected ErrTransientIO, got %v", err)
	}
	entries, _ := os.ReadDir(filepath.Join(stage, "photos"))
	if len(entries) != 0 {
		t.Errorf("partial file left behind: %v", entries)
	}
}

func TestEnsureWebhook(t *testing.T) {
	bot := &fakeBot{webhookURL: "https://bot.example.com/tok/"}
	tr := NewTransport(bot, "tok", t.TempDir())

	if err := tr.EnsureWebhook("https://bot.example.com/tok/", ""); err != nil {
		t.Fatal(err)
	}
	if _, called := bot.requests["setWebhook"]; called {
		t.Error("setWebhook must not be called when the URL already matches")
	}

	if err := tr.EnsureWebhook("https://new.example.com/tok/", "s3cret"); err != nil {
		t.Fatal(err)
	}
	p := bot.requests["setWebhook"]
	if p["url"] != "https://new.example.com/tok/" || p["secret_token"] != "s3cret" {
		t.Errorf("unexpected params %v", p)
	}
}

func TestEventFromUpdate(t *testing.T) {
	chat := &tgbotapi.Chat{ID: 42}
	tests := []struct {
		name string
		up   tgbotapi.Update
		ok   bool
		want session.Event
	}{
		{"no message", tgbotapi.Update{}, false, session.Event{}},
		{"text", tgbotapi.Update{Message: &tgbotapi.Message{Chat: chat, Text: "/detect"}}, true,
			session.Event{ChatID: "42", Kind: session.KindText, Payload: "/detect"}},
		{"photo picks largest size", tgbotapi.Update{Message: &tgbotapi.Message{Chat: chat, Photo: []tgbotapi.PhotoSize{{FileID: "small"}, {FileID: "large"}}}}, true,
			session.Event{ChatID: "42", Kind: session.KindPhoto, Payload: "large"}},
		{"image document", tgbotapi.Update{Message: &tgbotapi.Message{Chat: chat, Document: &tgbotapi.Document{FileID: "doc", MimeType: "image/png"}}}, true,
			session.Event{ChatID: "42", Kind: session.KindPhoto, Payload: "doc"}},
		{"sticker", tgbotapi.Update{Message: &tgbotapi.Message{Chat: chat}}, true,
			session.Event{ChatID: "42"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := EventFromUpdate(tt.up)
			if ok != tt.ok || got != tt.want {
				t.Errorf("got (%+v, %v), want (%+v, %v)", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestPoll_HandlesEachChatInOrder(t *testing.T) {
	msg := func(chatID int64, text string, photo bool) tgbotapi.Update {
		m := &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: chatID}, Text: text}
		if photo {
			m.Photo = []tgbotapi.PhotoSize{{FileID: text}}
		}
		return tgbotapi.Update{Message: m}
	}
	bot := &fakeBot{updates: make(chan tgbotapi.Update, 4)}
	bot.updates <- msg(1, "start detection", false)
	bot.updates <- msg(1, "photo-a", true)
	bot.updates <- msg(2, "start detection", false)
	bot.updates <- msg(1, "done", false)
	close(bot.updates)

	var (
		mu  sync.Mutex
		got = map[string][]string{}
	)
	tr := NewTransport(bot, "tok", t.TempDir())
	err := tr.Poll(context.Background(), func(_ context.Context, ev session.Event) {
		if ev.Payload == "start detection" && ev.ChatID == "1" {
			time.Sleep(20 * time.Millisecond)
		}
		mu.Lock()
		got[ev.ChatID] = append(got[ev.ChatID], ev.Payload)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}

	// Poll returns only after every handler finished.
	mu.Lock()
	defer mu.Unlock()
	want := []string{"start detection", "photo-a", "done"}
	if strings.Join(got["1"], ",") != strings.Join(want, ",") {
		t.Errorf("chat 1 events = %v, want %v", got["1"], want)
	}
	if len(got["2"]) != 1 {
		t.Errorf("chat 2 events = %v", got["2"])
	}
	if _, ok := bot.requests["deleteWebhook"]; !ok {
		t.Error("expected deleteWebhook before polling")
	}
}
