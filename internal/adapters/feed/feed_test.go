package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gorilla/websocket"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/statuswatch/pkg/logger"
)

type fakeToken struct {
	mqtt.Token
	err  error
	done bool
}

func (t *fakeToken) WaitTimeout(time.Duration) bool { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type published struct {
	topic   string
	payload []byte
}

type fakeClient struct {
	mqtt.Client
	mu        sync.Mutex
	connected bool
	slow      bool
	sent      []published
}

func (c *fakeClient) IsConnectionOpen() bool { return c.connected }
func (c *fakeClient) IsConnected() bool      { return c.connected }
func (c *fakeClient) Disconnect(uint)        { c.connected = false }

func (c *fakeClient) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, published{topic: topic, payload: payload.([]byte)})
	return &fakeToken{done: !c.slow}
}

type recordingMirror struct {
	mu    sync.Mutex
	users []string
}

func (m *recordingMirror) Mirror(_ context.Context, userID string, _ []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users = append(m.users, userID)
	return nil
}

func dial(srv *httptest.Server, query string) (*websocket.Conn, *http.Response, error) {
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?" + query
	return websocket.DefaultDialer.Dial(url, nil)
}

func waitForClients(h *Hub, n int) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.ClientCount() == n {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

func TestHub(t *testing.T) {
	Convey("Given a feed hub behind an HTTP server", t, func() {
		mirror := &recordingMirror{}
		hub := NewHub(WithLogger(logger.Discard()), WithMirror(mirror))
		srv := httptest.NewServer(hub)
		defer srv.Close()
		defer hub.Close()

		ctx := context.Background()

		Convey("When a client connects without a user id", func() {
			_, resp, err := dial(srv, "")
			So(err, ShouldNotBeNil)
			So(resp.StatusCode, ShouldEqual, http.StatusBadRequest)
		})

		Convey("When a user is connected", func() {
			conn, _, err := dial(srv, "user_id=u1")
			So(err, ShouldBeNil)
			defer conn.Close()
			So(waitForClients(hub, 1), ShouldBeTrue)

			n := Notification{ID: "i-1", UserID: "u1", EventID: "e-1", EntityID: "7", Name: "Jane Doe", NewStatus: "out", Subject: "Jane Doe (LAL) added to injury report: OUT"}
			So(hub.Publish(ctx, "u1", n), ShouldBeNil)

			Convey("Then the notification arrives as JSON", func() {
				_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
				_, msg, err := conn.ReadMessage()
				So(err, ShouldBeNil)

				var got Notification
				So(json.Unmarshal(msg, &got), ShouldBeNil)
				So(got.ID, ShouldEqual, "i-1")
				So(got.Subject, ShouldEqual, n.Subject)
			})

			Convey("Then the mirror sees the publish", func() {
				mirror.mu.Lock()
				defer mirror.mu.Unlock()
				So(mirror.users, ShouldResemble, []string{"u1"})
			})
		})

		Convey("When publishing to a user with no connection", func() {
			So(hub.Publish(ctx, "nobody", Notification{ID: "x"}), ShouldBeNil)
		})

		Convey("When the hub is closed", func() {
			conn, _, err := dial(srv, "user_id=u2")
			So(err, ShouldBeNil)
			defer conn.Close()
			So(waitForClients(hub, 1), ShouldBeTrue)

			So(hub.Close(), ShouldBeNil)
			So(hub.ClientCount(), ShouldEqual, 0)
			So(hub.Publish(ctx, "u2", Notification{ID: "y"}), ShouldEqual, ErrHubClosed)

			_, resp, err := dial(srv, "user_id=u3")
			So(err, ShouldNotBeNil)
			So(resp.StatusCode, ShouldEqual, http.StatusServiceUnavailable)
		})
	})
}

func TestMQTTMirror(t *testing.T) {
	Convey("Given an MQTT mirror over a connected client", t, func() {
		client := &fakeClient{connected: true}
		m := newMQTTMirror(client, "alerts/", logger.Discard())

		Convey("Then payloads go to the per-user topic", func() {
			So(m.Mirror(context.Background(), "u1", []byte(`{}`)), ShouldBeNil)
			So(client.sent, ShouldHaveLength, 1)
			So(client.sent[0].topic, ShouldEqual, "alerts/u1")
		})

		Convey("When the broker never acknowledges", func() {
			client.slow = true
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
			defer cancel()
			So(m.Mirror(ctx, "u1", []byte(`{}`)), ShouldEqual, ErrMirrorTimeout)
		})

		Convey("When the client is disconnected", func() {
			So(m.Close(), ShouldBeNil)
			So(m.Mirror(context.Background(), "u1", []byte(`{}`)), ShouldNotBeNil)
		})

		Convey("Then an empty prefix falls back to the default", func() {
			So(newMQTTMirror(client, "", logger.Discard()).Topic("u9"), ShouldEqual, "statuswatch/feed/u9")
		})
	})
}
