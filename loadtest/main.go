package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"navi/internal/signaling"

	"github.com/gorilla/websocket"
	"github.com/rs/xid"
	"github.com/rs/zerolog"
)

var (
	baseURL  = flag.String("base", "http://localhost:8080", "http base url")
	wsURL    = flag.String("ws", "ws://localhost:8080/ws", "websocket url")
	pairs    = flag.Int("pairs", 100, "caller/callee pairs")
	calls    = flag.Int("calls", 10, "calls per pair")
	password = "password123"
)

type authResponse struct {
	Token string `json:"access_token"`
	ID    string `json:"id"`
}

type stats struct {
	mu        sync.Mutex
	latencies []time.Duration
	failed    atomic.Int64
}

func (s *stats) record(d time.Duration) {
	s.mu.Lock()
	s.latencies = append(s.latencies, d)
	s.mu.Unlock()
}

func (s *stats) percentile(p float64) time.Duration {
	if len(s.latencies) == 0 {
		return 0
	}
	idx := int(float64(len(s.latencies)-1) * p)
	return s.latencies[idx]
}

func main() {
	flag.Parse()
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	log.Info().Int("pairs", *pairs).Int("calls", *calls).Msg("starting call signaling load test")

	st := &stats{}
	start := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < *pairs; i++ {
		wg.Add(1)
		go func(pairID int) {
			defer wg.Done()
			if err := runPair(pairID, st); err != nil {
				st.failed.Add(1)
				log.Warn().Err(err).Int("pair", pairID).Msg("pair failed")
			}
		}(i)
	}
	wg.Wait()

	slices.Sort(st.latencies)
	log.Info().
		Int("rings", len(st.latencies)).
		Int64("failed_pairs", st.failed.Load()).
		Dur("p50", st.percentile(0.50)).
		Dur("p99", st.percentile(0.99)).
		Dur("elapsed", time.Since(start)).
		Msg("load test complete")
}

func runPair(pairID int, st *stats) error {
	caller, err := authenticate(fmt.Sprintf("caller%d", pairID))
	if err != nil {
		return err
	}
	callee, err := authenticate(fmt.Sprintf("callee%d", pairID))
	if err != nil {
		return err
	}

	callerConn, err := connect(caller)
	if err != nil {
		return err
	}
	defer callerConn.Close()
	calleeConn, err := connect(callee)
	if err != nil {
		return err
	}
	defer calleeConn.Close()

	for i := 0; i < *calls; i++ {
		roomID := xid.New().String()
		sent := time.Now()
		if err := send(callerConn, signaling.EventCallInitiate, signaling.CallInitiate{
			RoomID:       roomID,
			CallerID:     caller.ID,
			CallerName:   fmt.Sprintf("caller%d", pairID),
			Participants: []string{callee.ID},
		}); err != nil {
			return err
		}

		if err := await(calleeConn, signaling.EventCallIncoming); err != nil {
			return err
		}
		st.record(time.Since(sent))

		if err := send(calleeConn, signaling.EventCallJoined, signaling.CallJoined{RoomID: roomID, UserID: callee.ID}); err != nil {
			return err
		}
		if err := send(callerConn, signaling.EventCallJoined, signaling.CallJoined{RoomID: roomID, UserID: caller.ID}); err != nil {
			return err
		}
		if err := await(calleeConn, signaling.EventCallUserJoined); err != nil {
			return err
		}
		if err := send(callerConn, signaling.EventCallEnd, signaling.CallEnd{RoomID: roomID, CallerID: caller.ID}); err != nil {
			return err
		}
		if err := await(calleeConn, signaling.EventCallEnded); err != nil {
			return err
		}
		if err := send(calleeConn, signaling.EventCallLeft, signaling.CallLeft{RoomID: roomID, UserID: callee.ID}); err != nil {
			return err
		}
	}
	return nil
}

// authenticate registers (ignoring conflicts) and logs in.
func authenticate(username string) (authResponse, error) {
	if resp, err := postJSON("/register", map[string]string{
		"username": username,
		"email":    username + "@loadtest.local",
		"password": password,
	}); err == nil {
		resp.Body.Close()
	}

	resp, err := postJSON("/login", map[string]string{"username": username, "password": password})
	if err != nil {
		return authResponse{}, fmt.Errorf("login %s: %w", username, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return authResponse{}, fmt.Errorf("login %s: status %d", username, resp.StatusCode)
	}

	var data authResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return authResponse{}, fmt.Errorf("login %s: %w", username, err)
	}
	return data, nil
}

func connect(user authResponse) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.Dial(*wsURL+"?token="+url.QueryEscape(user.Token), nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	if err := send(conn, signaling.EventUserConnected, signaling.UserConnected{UserID: user.ID}); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func send(conn *websocket.Conn, event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return conn.WriteJSON(signaling.Envelope{Event: event, Data: raw})
}

// await reads frames until event arrives, skipping anything else.
func await(conn *websocket.Conn, event string) error {
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	defer conn.SetReadDeadline(time.Time{})
	for {
		var env signaling.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) && netErr.Timeout() {
				return fmt.Errorf("timed out waiting for %s", event)
			}
			return err
		}
		if env.Event == event {
			return nil
		}
	}
}

func postJSON(endpoint string, data any) (*http.Response, error) {
	body, _ := json.Marshal(data)
	return http.Post(*baseURL+endpoint, "application/json", bytes.NewReader(body))
}
