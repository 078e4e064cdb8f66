// README: Websocket client recording the statuses a ride feed delivers.
package main

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"campusride/internal/modules/feed"
	"campusride/internal/modules/ride"
)

type feedWatch struct {
	conn *websocket.Conn
	done chan struct{}

	mu        sync.Mutex
	statuses  []ride.Status
	locations int
}

func dialFeed(ctx context.Context, baseURL, rideID, token string) (*feedWatch, error) {
	u := "ws" + strings.TrimPrefix(baseURL, "http") + "/api/rides/" + rideID + "/feed?access_token=" + url.QueryEscape(token)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, err
	}
	w := &feedWatch{conn: conn, done: make(chan struct{})}
	go w.read()
	return w, nil
}

func (w *feedWatch) read() {
	defer close(w.done)
	for {
		var u feed.Update
		if err := w.conn.ReadJSON(&u); err != nil {
			return
		}
		if u.Ride == nil {
			continue
		}
		w.mu.Lock()
		switch u.Kind {
		case feed.KindStatus:
			if n := len(w.statuses); n == 0 || w.statuses[n-1] != u.Ride.Status {
				w.statuses = append(w.statuses, u.Ride.Status)
			}
		case feed.KindLocation:
			w.locations++
		}
		w.mu.Unlock()
	}
}

func (w *feedWatch) snapshot() ([]ride.Status, int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]ride.Status(nil), w.statuses...), w.locations
}

// waitFor polls until the feed has delivered want or the timeout passes.
func (w *feedWatch) waitFor(want ride.Status, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		got, _ := w.snapshot()
		for _, s := range got {
			if s == want {
				return true
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	return false
}

func (w *feedWatch) Close() {
	_ = w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	_ = w.conn.Close()
	<-w.done
}
