package noren_test

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"papertrader/internal/marketfeed/noren"
)

const (
	testUserID    = "FA12345"
	testAccountID = "FA12345"
	testToken     = "session-token"
)

// receivedFrame is a client frame seen by the mock vendor after authentication.
type receivedFrame struct {
	Conn int
	Type string
	Keys string
}

// mockVendor serves the REST endpoints and the stream on one httptest server.
type mockVendor struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	rejectToken atomic.Bool
	withholdAck atomic.Bool

	sessionCalls atomic.Int32
	connections  atomic.Int32
	lastForm     atomic.Value

	mu     sync.Mutex
	conns  []*websocket.Conn
	frames chan receivedFrame
}

func newMockVendor(t *testing.T) *mockVendor {
	t.Helper()

	v := &mockVendor{frames: make(chan receivedFrame, 100)}

	mux := http.NewServeMux()
	mux.HandleFunc(noren.EndpointUserDetails, func(w http.ResponseWriter, r *http.Request) {
		v.recordForm(r)
		if v.rejectToken.Load() {
			_, _ = w.Write([]byte(`{"stat":"Not_Ok","emsg":"Session Expired :  Invalid Session Key"}`))
			return
		}
		_, _ = w.Write([]byte(`{"stat":"Ok","uname":"TEST USER"}`))
	})
	mux.HandleFunc(noren.EndpointCreateWsSession, func(w http.ResponseWriter, r *http.Request) {
		v.sessionCalls.Add(1)
		_, _ = w.Write([]byte(`{"stat":"Ok"}`))
	})
	mux.HandleFunc(noren.EndpointGetQuotes, func(w http.ResponseWriter, r *http.Request) {
		v.recordForm(r)
		_, _ = w.Write([]byte(`{"stat":"Ok","exch":"NSE","token":"22","lp":"612.35","pc":"-0.40","o":"615.00","h":"618.20","l":"610.05","c":"614.80","bp1":"612.30","sp1":"612.40","v":"183420"}`))
	})
	mux.HandleFunc(noren.EndpointTPSeries, func(w http.ResponseWriter, r *http.Request) {
		v.recordForm(r)
		_, _ = w.Write([]byte(`[
			{"stat":"Ok","time":"27-03-2026 09:20:00","ssboe":"1774583400","into":"101.0","inth":"103.5","intl":"100.5","intc":"103.0","intv":"1200"},
			{"stat":"Ok","time":"27-03-2026 09:15:00","ssboe":"1774583100","into":"100.0","inth":"101.5","intl":"99.5","intc":"101.0","intv":"900"}
		]`))
	})
	mux.HandleFunc("/ws", v.serveStream)

	v.server = httptest.NewServer(mux)
	t.Cleanup(v.server.Close)
	return v
}

func (v *mockVendor) recordForm(r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	v.lastForm.Store(string(body))
}

func (v *mockVendor) restURL() string { return v.server.URL }

func (v *mockVendor) wsURL() string { return "ws" + strings.TrimPrefix(v.server.URL, "http") + "/ws" }

func (v *mockVendor) serveStream(w http.ResponseWriter, r *http.Request) {
	conn, err := v.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	v.mu.Lock()
	v.conns = append(v.conns, conn)
	index := len(v.conns)
	v.mu.Unlock()
	v.connections.Add(1)

	for {
		var frame map[string]string
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}

		if frame["t"] == "c" {
			if v.withholdAck.Load() {
				continue
			}
			status := "OK"
			if frame["susertoken"] != expectedTokenHash() || frame["uid"] != testUserID {
				status = "NOT_OK"
			}
			v.write(index, map[string]string{"t": "ck", "s": status, "uid": frame["uid"]})
			continue
		}

		v.frames <- receivedFrame{Conn: index, Type: frame["t"], Keys: frame["k"]}
	}
}

// write sends a frame on connection index (1-based). Zero means the latest.
func (v *mockVendor) write(index int, frame any) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if index == 0 {
		index = len(v.conns)
	}
	if index == 0 || index > len(v.conns) {
		return
	}
	_ = v.conns[index-1].WriteJSON(frame)
}

func (v *mockVendor) sendTick(frame map[string]string) {
	v.write(0, frame)
}

// dropLatest closes the most recent stream connection from the server side.
func (v *mockVendor) dropLatest() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.conns) > 0 {
		v.conns[len(v.conns)-1].Close()
	}
}

func (v *mockVendor) expectFrame(t *testing.T, wantType, wantKeys string) receivedFrame {
	t.Helper()

	deadline := time.After(3 * time.Second)
	for {
		select {
		case f := <-v.frames:
			if f.Type == wantType && f.Keys == wantKeys {
				return f
			}
		case <-deadline:
			t.Fatalf("frame t=%s k=%s not received", wantType, wantKeys)
			return receivedFrame{}
		}
	}
}

func (v *mockVendor) jData(t *testing.T) map[string]string {
	t.Helper()

	raw, _ := v.lastForm.Load().(string)
	values, err := url.ParseQuery(raw)
	if err != nil {
		t.Fatalf("parse form: %v", err)
	}
	var payload map[string]string
	if err := json.Unmarshal([]byte(values.Get("jData")), &payload); err != nil {
		t.Fatalf("parse jData: %v", err)
	}
	return payload
}

func expectedTokenHash() string {
	first := sha256.Sum256([]byte(testToken))
	second := sha256.Sum256([]byte(hex.EncodeToString(first[:])))
	return hex.EncodeToString(second[:])
}

func newTestAdapter(t *testing.T, v *mockVendor, mutate func(*noren.Config)) *noren.Adapter {
	t.Helper()

	cfg := noren.Config{
		RestURL:        v.restURL(),
		WebSocketURL:   v.wsURL(),
		UserID:         testUserID,
		AccountID:      testAccountID,
		SessionToken:   testToken,
		ReconnectDelay: 200 * time.Millisecond,
		AuthTimeout:    2 * time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	adapter := noren.NewAdapter(cfg)
	t.Cleanup(func() { _ = adapter.Disconnect() })
	return adapter
}
