package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024}

// handleNotificationsWS attaches the caller's socket to the notification
// registry. The socket is receive-only; reads just detect the close.
func (s *Server) handleNotificationsWS(w http.ResponseWriter, r *http.Request) {
	userID := claimsFrom(r.Context()).UserID()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "err", err)
		return
	}
	sess := s.WSReg.Add(userID, conn)
	s.logger.Info("ws session opened", "user_id", userID)
	defer func() {
		s.WSReg.Remove(userID, sess)
		_ = conn.Close()
		s.logger.Info("ws session closed", "user_id", userID)
	}()
	readUntilClosed(conn)
}

// handleRideWS streams a ride's live events to any authenticated caller
// who may read the ride.
func (s *Server) handleRideWS(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["ride_id"]
	if _, err := s.Engine.GetRide(r.Context(), rideID, claimsFrom(r.Context()).UserID()); err != nil {
		s.writeError(w, r, err)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	sub := s.Live.Subscribe(rideID)
	defer sub.Close()

	closed := make(chan struct{})
	go func() {
		readUntilClosed(conn)
		close(closed)
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

func readUntilClosed(conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
