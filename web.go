package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog/log"
	"github.com/skip2/go-qrcode"

	"github.com/the-snesler/buckys-buzzer-beater/buzzer"
)

const (
	logDate string        = `2006-01-02T15:04:05.000-07:00`
	timeout time.Duration = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func securityHeaders(cfg *Config, w http.ResponseWriter) {
	w.Header().Set("Cross-Origin-Embedder-Policy", "require-corp")
	w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
	w.Header().Set("Cross-Origin-Resource-Policy", "same-site")
	w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
	w.Header().Set("X-Content-Type-Options", "nosniff")

	if cfg.scheme() == "https" {
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains; preload")
	}
}

func realIP(r *http.Request) string {
	host, port, _ := net.SplitHostPort(r.RemoteAddr)
	if ip := r.Header.Get("CF-Connecting-IP"); ip != "" {
		if net.ParseIP(ip) != nil {
			host = ip
		}
	} else if ip := r.Header.Get("X-Real-IP"); ip != "" {
		if net.ParseIP(ip) != nil {
			host = ip
		}
	}
	if net.ParseIP(host) != nil && strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port != "" {
		return host + ":" + port
	}
	return host
}

type createRoomRequest struct {
	Categories buzzer.Board `json:"categories"`
}

type createRoomResponse struct {
	RoomCode  string `json:"room_code"`
	HostToken string `json:"host_token"`
}

// createRoom accepts a board definition and returns the join code plus
// the host's credential. The board is checked for shape only; prompt
// authoring is the client's concern.
func createRoom(cfg *Config, reg *buzzer.Registry) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		securityHeaders(cfg, w)

		var body createRoomRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid board definition", http.StatusBadRequest)
			return
		}
		if err := buzzer.ValidateBoard(body.Categories); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		code, hostToken := reg.CreateRoom(body.Categories)

		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(createRoomResponse{
			RoomCode:  code,
			HostToken: hostToken,
		})

		log.Info().Str("room", code).Str("from", realIP(r)).Msg("room created via api")
	}
}

// serveRoomSocket runs the websocket handshake: the room code comes from
// the path; identity comes from the query as either playerName (new),
// playerID+token (reconnect), or the host token.
func serveRoomSocket(reg *buzzer.Registry) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		room, err := reg.Lookup(ps.ByName("code"))
		if err != nil {
			http.Error(w, "Room does not exist", http.StatusNotFound)
			return
		}

		q := r.URL.Query()
		hs := buzzer.Handshake{
			PlayerName: q.Get("playerName"),
			Token:      q.Get("token"),
		}
		if raw := q.Get("playerID"); raw != "" {
			id, err := strconv.ParseUint(raw, 10, 32)
			if err != nil {
				http.Error(w, "invalid playerID", http.StatusBadRequest)
				return
			}
			pid := buzzer.PlayerID(id)
			hs.PlayerID = &pid
		}

		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn().Err(err).Msg("websocket upgrade failed")
			return
		}

		buzzer.ServeConn(room, ws, hs)
	}
}

// serveRoomQR renders a QR code for the room's join URL so phones can
// hop in without typing the code.
func serveRoomQR(cfg *Config, reg *buzzer.Registry) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		code := ps.ByName("code")
		if _, err := reg.Lookup(code); err != nil {
			http.Error(w, "Room does not exist", http.StatusNotFound)
			return
		}

		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		}

		url := scheme + "://" + r.Host + cfg.prefix + "/rooms/" + code

		const qrSize = 320
		png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
		if err != nil {
			http.Error(w, "qr generation failed", http.StatusInternalServerError)
			return
		}

		securityHeaders(cfg, w)
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(png)
	}
}

func serveHomePage(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		securityHeaders(cfg, w)

		_, _ = io.WriteString(w, newPage("Bucky's Buzzer Beater", "Bucky's Buzzer Beater"))
	}
}

func serveHealthCheck(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		securityHeaders(cfg, w)

		_, _ = w.Write([]byte("Ok\n"))
	}
}

func serveVersion(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		startTime := time.Now()

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		securityHeaders(cfg, w)
		w.WriteHeader(http.StatusOK)

		written, err := w.Write([]byte("buckys-buzzer-beater v" + releaseVersion + "\n"))
		if err != nil {
			return
		}

		log.Debug().
			Str("size", humanReadableSize(int64(written))).
			Str("to", realIP(r)).
			Dur("in", time.Since(startTime).Round(time.Microsecond)).
			Msg("served version page")
	}
}

func newRouter(cfg *Config, reg *buzzer.Registry) *httprouter.Router {
	mux := httprouter.New()

	mux.PanicHandler = func(w http.ResponseWriter, r *http.Request, i any) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		securityHeaders(cfg, w)
		w.WriteHeader(http.StatusInternalServerError)

		_, _ = io.WriteString(w, newPage("Server Error", "An error has occurred. Please try again."))
	}

	mux.GET(cfg.prefix+"/", serveHomePage(cfg))
	mux.GET(cfg.prefix+"/healthz", serveHealthCheck(cfg))
	mux.GET(cfg.prefix+"/version", serveVersion(cfg))

	mux.POST(cfg.prefix+"/api/v1/rooms/create", createRoom(cfg, reg))
	mux.GET(cfg.prefix+"/api/v1/rooms/:code/ws", serveRoomSocket(reg))
	mux.GET(cfg.prefix+"/api/v1/rooms/:code/qr", serveRoomQR(cfg, reg))

	if cfg.profile {
		registerProfileHandlers(cfg, mux)
	}

	return mux
}

func ServePage(ctx context.Context, cfg *Config) error {
	log.Info().Str("version", releaseVersion).Msg("starting buckys-buzzer-beater")

	cfg.prefix = strings.TrimSuffix(cfg.prefix, "/")

	reg := buzzer.NewRegistry(buzzer.Options{
		BuzzWindow:        cfg.buzzWindow,
		HeartbeatInterval: cfg.heartbeatInterval,
		IdleTimeout:       cfg.roomTimeout,
		MaxPlayers:        cfg.maxPlayers,
	})

	reapCtx, cancelReap := context.WithCancel(ctx)
	defer cancelReap()
	go reg.Reap(reapCtx)

	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.bind, strconv.Itoa(cfg.port)),
		Handler:           newRouter(cfg, reg),
		IdleTimeout:       10 * time.Minute,
		ReadTimeout:       timeout,
		ReadHeaderTimeout: timeout,
		// No WriteTimeout: websocket sessions outlive any sane value.
	}

	go func() {
		var err error
		log.Info().Str("url", cfg.scheme()+"://"+srv.Addr+cfg.prefix+"/").Msg("listening")
		if cfg.tlsKey != "" && cfg.tlsCert != "" {
			err = srv.ListenAndServeTLS(cfg.tlsCert, cfg.tlsKey)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	return nil
}
