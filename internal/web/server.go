// Package web поднимает HTTP-поверхность шлюза: по одному серверу на
// сервисный порт (5021–5024) плюс административный дашборд на 5099.
// Сами процедуры живут в internal/services, здесь только сетевая обвязка:
// роутинг, таймауты, чтение тела, JSON-ответы и basic-auth дашборда.
package web

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"telegram-gateway/internal/infra/logger"
	"telegram-gateway/internal/services"

	"go.uber.org/zap"
)

const (
	readTimeout = 15 * time.Second
	idleTimeout = 60 * time.Second

	// writeTimeout перекрывает самый долгий сервисный вызов (отправка
	// альбома ждёт до 180 секунд): сервер не должен рвать соединение
	// раньше, чем обработчик успеет ответить.
	writeTimeout = 200 * time.Second

	// Полный прогрев кэша диалогов ходит в Telegram за каждым аккаунтом
	// роли, на больших аккаунтах это минуты.
	reloadTimeOut = 120 * time.Second

	maxBodySize = 1 << 20
)

// Server — один HTTP-сервер шлюза (сервисный порт либо дашборд).
type Server struct {
	name string
	srv  *http.Server
}

func newServer(name string, port int, handler http.Handler) *Server {
	return &Server{
		name: name,
		srv: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      loggingMiddleware(handler),
			ReadTimeout:  readTimeout,
			WriteTimeout: writeTimeout,
			IdleTimeout:  idleTimeout,
		},
	}
}

// NewServiceServer собирает сервер одного сервиса: основной POST-роут плюс
// вспомогательные /health, /stats и /reload_cache (у leave_chat только
// /health).
func NewServiceServer(plat *services.Platform, d services.Descriptor) *Server {
	mux := http.NewServeMux()
	mux.HandleFunc(d.Route, serviceHandler(d.Handler))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		code, body := plat.ServiceHealth(d.Name)
		writeJSON(w, code, body)
	})

	if d.WithStats {
		mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
			code, body := plat.ServiceStats(d.Name)
			writeJSON(w, code, body)
		})
		mux.HandleFunc("/reload_cache", func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
				return
			}
			ctx, cancel := context.WithTimeout(r.Context(), reloadTimeOut)
			defer cancel()

			code, body := plat.ReloadServiceCache(ctx, d.Name)
			writeJSON(w, code, body)
		})
	}

	return newServer(d.Name, d.Port, mux)
}

// serviceHandler превращает services.Handler в http.HandlerFunc: метод,
// лимит тела, передача контекста запроса.
func serviceHandler(h services.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"status": "error",
				"error":  "cannot read request body",
			})
			return
		}

		code, resp := h(r.Context(), body)
		writeJSON(w, code, resp)
	}
}

// Name возвращает имя сервера для логов.
func (s *Server) Name() string { return s.name }

// Addr возвращает адрес прослушивания.
func (s *Server) Addr() string { return s.srv.Addr }

// Start запускает сервер и блокируется до его остановки.
func (s *Server) Start() error {
	logger.Info("Starting HTTP server",
		zap.String("server", s.name),
		zap.String("address", s.srv.Addr))

	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("%s server error: %w", s.name, err)
	}
	return nil
}

// Shutdown корректно останавливает сервер.
func (s *Server) Shutdown(ctx context.Context) error {
	logger.Info("Shutting down HTTP server", zap.String("server", s.name))
	return s.srv.Shutdown(ctx)
}
