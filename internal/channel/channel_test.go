package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/alert-notifier/internal/model"
	"github.com/t77yq/alert-notifier/internal/testutil"
)

func testAlert(id int64) *model.AlertSnapshot {
	raised := time.Date(2011, 8, 1, 10, 0, 0, 0, time.UTC)
	return &model.AlertSnapshot{
		AlertID:      id,
		Source:       "host1",
		Subject:      "host1",
		Ref:          "disk",
		SummaryText:  "disk full",
		CurrentLevel: model.LevelUrgent,
		RaisedAtTime: &raised,
	}
}

func TestRegistry(t *testing.T) {
	email := NewLogChannel(zap.NewNop(), "email", 10)
	registry := NewRegistry(email)

	ch, err := registry.Get("EMAIL")
	require.NoError(t, err)
	assert.Equal(t, "email", ch.Name())
	assert.True(t, registry.Has("email"))
	assert.Equal(t, []string{"email"}, registry.Names())

	_, err = registry.Get("xmpp")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownChannel)
	var unknown *UnknownChannelError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "xmpp", unknown.Name)
	assert.Equal(t, "xmpp not defined as a notification method", err.Error())

	err = registry.Send(context.Background(), "xmpp", "someone", testAlert(1), nil, Conditions{})
	assert.ErrorIs(t, err, ErrUnknownChannel)

	require.NoError(t, registry.Send(context.Background(), "email", "test1@example.com", testAlert(1), nil, Conditions{}))
	assert.Len(t, email.Deliveries(), 1)
}

func TestMessage(t *testing.T) {
	alert := testAlert(1)

	assert.Equal(t, "URGENT RAISED: disk full", Message(alert, nil, Conditions{}, ""))
	assert.Equal(t, "TOO MUCH NOISE!  Last notification: URGENT RAISED: disk full",
		Message(alert, nil, Conditions{IsSuppressed: true}, ""))
	assert.Equal(t, "BACK TO NORMAL: URGENT RAISED: disk full",
		Message(alert, nil, Conditions{WasSuppressed: true}, ""))
	assert.Equal(t, "URGENT RAISED: disk full", Message(alert, nil, Conditions{IsSuppressed: true, WasSuppressed: true}, ""))

	others := []model.Alert{alert, testAlert(2)}
	assert.Equal(t, "URGENT RAISED: disk full and a lone other. link: https://alerts.example.com",
		Message(alert, others, Conditions{}, "https://alerts.example.com"))

	others = append(others, testAlert(3))
	assert.Contains(t, Message(alert, others, Conditions{}, ""), "and 2 others.")
}

func TestNormalizeNumber(t *testing.T) {
	assert.Equal(t, "447700900123", NormalizeNumber("07700 900123"))
	assert.Equal(t, "447700900123", NormalizeNumber("+44 (7700) 900-123"))
	assert.Equal(t, "", NormalizeNumber("none"))
}

func TestSMSChannel(t *testing.T) {
	var (
		mu   sync.Mutex
		form map[string]string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		mu.Lock()
		form = map[string]string{}
		for k := range r.PostForm {
			form[k] = r.PostForm.Get(k)
		}
		mu.Unlock()
		if r.PostForm.Get("destination") == "440000" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("OK"))
	}))
	defer srv.Close()

	ch := NewSMSChannel(zap.NewNop(), SMSConfig{
		GatewayURL: srv.URL + "/sms/sms_gw.php",
		Username:   "user",
		Password:   "secret",
		From:       "alerts",
		Timeout:    time.Second,
	})

	err := ch.Send(context.Background(), "07700 900123", testAlert(1), nil, Conditions{IsSuppressed: true})
	require.NoError(t, err)

	mu.Lock()
	assert.Equal(t, "447700900123", form["destination"])
	assert.Equal(t, "user", form["username"])
	assert.Equal(t, "alerts", form["originator"])
	assert.Equal(t, "0", form["flash"])
	assert.True(t, strings.HasPrefix(form["message"], "TOO MUCH NOISE!"))
	mu.Unlock()

	err = ch.Send(context.Background(), "00000", testAlert(1), nil, Conditions{})
	assert.Error(t, err)

	err = ch.Send(context.Background(), "", testAlert(1), nil, Conditions{})
	assert.Error(t, err)
}

func TestEmailChannel(t *testing.T) {
	ch := NewEmailChannel(zap.NewNop(), EmailConfig{Host: "mail.example.com", Port: 587, Username: "u", Password: "p", From: "alerts@example.com"})

	var (
		gotAddr string
		gotTo   []string
		gotMsg  string
	)
	ch.sendMail = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotTo, gotMsg = addr, to, string(msg)
		return nil
	}

	require.NoError(t, ch.Send(context.Background(), "test1@example.com", testAlert(1), nil, Conditions{WasSuppressed: true}))
	assert.Equal(t, "mail.example.com:587", gotAddr)
	assert.Equal(t, []string{"test1@example.com"}, gotTo)
	assert.Contains(t, gotMsg, "Subject: BACK TO NORMAL: URGENT RAISED: disk full\r\n")
	assert.Contains(t, gotMsg, "To: test1@example.com\r\n")

	ch.sendMail = func(string, smtp.Auth, string, []string, []byte) error { return fmt.Errorf("connection refused") }
	assert.Error(t, ch.Send(context.Background(), "test1@example.com", testAlert(1), nil, Conditions{}))
	assert.Error(t, ch.Send(context.Background(), "", testAlert(1), nil, Conditions{}))
}

func TestTelegramChannel(t *testing.T) {
	var (
		mu    sync.Mutex
		chats []string
		texts []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/bottoken/sendMessage" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if err := r.ParseMultipartForm(2 << 20); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		chats = append(chats, r.FormValue("chat_id"))
		texts = append(texts, r.FormValue("text"))
		id := len(chats) + 100
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"ok":true,"result":{"message_id":%d,"date":1,"chat":{"id":1,"type":"private"}}}`, id)
	}))
	defer srv.Close()

	ch, err := NewTelegramChannel(zap.NewNop(), TelegramConfig{Token: "token", APIBase: srv.URL, ChatID: "-100"})
	require.NoError(t, err)

	require.NoError(t, ch.Send(context.Background(), "12345", testAlert(1), nil, Conditions{}))
	require.NoError(t, ch.Send(context.Background(), "", testAlert(1), nil, Conditions{}))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"12345", "-100"}, chats)
	assert.Contains(t, texts[0], "<b>URGENT RAISED: disk full</b>")

	_, err = NewTelegramChannel(zap.NewNop(), TelegramConfig{})
	assert.Error(t, err)
}

func TestNATSChannel(t *testing.T) {
	_, nc, cleanup := testutil.StartNATS(t)
	defer cleanup()

	received := make(chan *nats.Msg, 1)
	sub, err := nc.ChanSubscribe("notification.ops", received)
	require.NoError(t, err)
	defer sub.Unsubscribe()
	require.NoError(t, nc.Flush())

	ch := NewNATSChannel(zap.NewNop(), nc, "")
	require.NoError(t, ch.Send(context.Background(), "ops", testAlert(9), nil, Conditions{}))

	select {
	case msg := <-received:
		var n Notification
		require.NoError(t, json.Unmarshal(msg.Data, &n))
		assert.Equal(t, int64(9), n.AlertID)
		assert.Equal(t, model.LevelUrgent, n.Level)
		assert.Equal(t, model.UpdateRaised, n.UpdateType)
		assert.Equal(t, n.ID, msg.Header.Get(nats.MsgIdHdr))
	case <-time.After(5 * time.Second):
		t.Fatal("notification not received")
	}

	assert.Error(t, ch.Send(context.Background(), "", testAlert(9), nil, Conditions{}))
}

func TestLogChannel(t *testing.T) {
	ch := NewLogChannel(zap.NewNop(), "email", 2)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		require.NoError(t, ch.Send(ctx, "test1@example.com", testAlert(i), nil, Conditions{}))
	}
	deliveries := ch.Deliveries()
	require.Len(t, deliveries, 2)
	assert.Equal(t, int64(2), deliveries[0].AlertID)
	assert.Equal(t, int64(3), deliveries[1].AlertID)

	ch.FailFor("test1@example.com", true)
	assert.Error(t, ch.Send(ctx, "test1@example.com", testAlert(4), nil, Conditions{}))
	ch.FailFor("test1@example.com", false)
	assert.NoError(t, ch.Send(ctx, "test1@example.com", testAlert(4), nil, Conditions{}))

	ch.Reset()
	assert.Empty(t, ch.Deliveries())
}
