// README: Websocket transport for the reactive ride feed; passengers may stream GPS samples back.
package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"campusride/internal/http/middleware"
	"campusride/internal/modules/feed"
	"campusride/internal/modules/location"
	"campusride/internal/modules/ride"
	"campusride/internal/modules/tracking"
	"campusride/internal/types"
)

const (
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = pongWait * 9 / 10
	maxMessage    = 4096
	sampleBuffer  = 8
	defaultRadius = 2000.0
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// clientMessage is what a passenger device sends over the ride feed.
type clientMessage struct {
	Type string  `json:"type"`
	Lat  float64 `json:"lat"`
	Lng  float64 `json:"lng"`
}

type FeedHandler struct {
	hub     *feed.Hub
	rides   *ride.Service
	matcher tracking.WaypointMatcher
	policy  tracking.Policy
	log     *zap.Logger
}

func NewFeedHandler(hub *feed.Hub, rides *ride.Service, matcher tracking.WaypointMatcher, policy tracking.Policy, log *zap.Logger) *FeedHandler {
	return &FeedHandler{hub: hub, rides: rides, matcher: matcher, policy: policy, log: log.Named("feed_handler")}
}

// Ride streams one ride's status and location updates. When the ride's passenger is connected,
// their location messages drive a passenger watcher for as long as the socket stays open.
func (h *FeedHandler) Ride(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	r, err := h.rides.Get(c.Request.Context(), id)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	owner := passengerOwns(c, r)
	if !owner && !isAdmin(c) && middleware.CallerRole(c) != middleware.RoleDriver {
		writeError(c, http.StatusForbidden, "forbidden: not your ride")
		return
	}

	// Subscribe before the upgrade so nothing published after the handshake is missed.
	sub := h.hub.SubscribeRide(r.ID)
	defer sub.Close()
	if fresh, err := h.rides.Get(c.Request.Context(), r.ID); err == nil {
		r = fresh
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var samples chan location.Sample
	if owner {
		samples = make(chan location.Sample, sampleBuffer)
		w := tracking.NewWatcher(tracking.WatcherConfig{
			RideID:  r.ID,
			Role:    tracking.RolePassenger,
			ActorID: r.PassengerID,
			Client:  h.rides,
			Matcher: h.matcher,
			Policy:  h.policy,
			Log:     h.log,
		})
		go func() {
			if err := w.Run(ctx, samples); err != nil {
				h.log.Warn("passenger watcher stopped", zap.String("ride_id", r.ID.String()), zap.Error(err))
			}
		}()
	}

	go h.readPump(conn, cancel, samples)
	first := feed.Update{Kind: feed.KindStatus, Ride: r, At: time.Now().UTC()}
	h.writePump(ctx, conn, sub, &first)
}

// Nearby streams status updates of rides whose pickup is within radius_m of lat/lng.
func (h *FeedHandler) Nearby(c *gin.Context) {
	if middleware.CallerRole(c) != middleware.RoleDriver && !isAdmin(c) {
		writeError(c, http.StatusForbidden, "forbidden: driver role required")
		return
	}
	center, ok := queryPoint(c)
	if !ok {
		return
	}
	if !location.ValidPoint(center) {
		writeError(c, http.StatusBadRequest, "invalid coordinate")
		return
	}
	radius := defaultRadius
	if v := c.Query("radius_m"); v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil || parsed <= 0 {
			writeError(c, http.StatusBadRequest, "invalid radius_m")
			return
		}
		radius = parsed
	}

	sub := h.hub.SubscribeNearby(center, radius)
	defer sub.Close()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.readPump(conn, cancel, nil)
	h.writePump(ctx, conn, sub, nil)
}

// readPump owns the read side of conn and closes samples when the peer goes away.
func (h *FeedHandler) readPump(conn *websocket.Conn, cancel context.CancelFunc, samples chan location.Sample) {
	defer cancel()
	if samples != nil {
		defer close(samples)
	}
	conn.SetReadLimit(maxMessage)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var msg clientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("websocket read ended", zap.Error(err))
			}
			return
		}
		if msg.Type != "location" || samples == nil {
			continue
		}
		offerLatest(samples, location.Sample{Point: types.Point{Lat: msg.Lat, Lng: msg.Lng}, RecordedAt: time.Now().UTC()})
	}
}

// offerLatest queues s, dropping the oldest queued sample when the buffer is full.
// Only the reader sends on samples, so the loop always ends.
func offerLatest(samples chan location.Sample, s location.Sample) {
	for {
		select {
		case samples <- s:
			return
		default:
		}
		select {
		case <-samples:
		default:
		}
	}
}

// writePump owns the write side of conn.
func (h *FeedHandler) writePump(ctx context.Context, conn *websocket.Conn, sub *feed.Subscription, first *feed.Update) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	if first != nil {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(first); err != nil {
			return
		}
	}
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case u, ok := <-sub.C:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(u); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
