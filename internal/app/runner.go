// Файл runner.go — точка оркестрации жизненного цикла шлюза: сервисы
// запускаются в правильном порядке, а на сигнале остановки гасятся в
// обратном. Бизнес-назначение: гарантировать предсказуемое завершение —
// сначала закрываются входные поверхности (консоль, HTTP-порты), затем
// дорабатывают фоновые операции, и только после этого гаснут MTProto-мосты,
// чтобы начатые создания чатов и рассылки успели дойти до реестра.

package app

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"

	"telegram-gateway/internal/adapters/botapi"
	"telegram-gateway/internal/adapters/cli"
	"telegram-gateway/internal/adapters/salebot"
	"telegram-gateway/internal/infra/logger"
	"telegram-gateway/internal/infra/tasks"
	"telegram-gateway/internal/registry"
	"telegram-gateway/internal/telegram/pool"
	"telegram-gateway/internal/web"
)

const (
	serverShutdownTimeout = 10 * time.Second

	// Журналы реестра чистятся раз в сутки; строки старше logRetentionDays
	// дней удаляются (незакрытые failed_requests переживают очистку).
	janitorInterval  = 24 * time.Hour
	logRetentionDays = 30
	cleanupTimeout   = time.Minute
)

// Runner инкапсулирует сценарий запуска и остановки подсистем шлюза.
// Отвечает за:
//   - параллельный подъём пула мостов и ожидание исхода каждого,
//   - линейный запуск воркеров и HTTP-серверов в правильном порядке,
//   - корректное завершение: поверхности → фоновые операции → мосты → реестр,
//   - интеграцию с операторской консолью.
type Runner struct {
	mainCtx    context.Context    // Внешний контекст процесса: отменяется по Ctrl+C/сигналам.
	mainCancel context.CancelFunc // Функция, инициирующая общий shutdown (используется из узлов).

	reg      *registry.Registry // Реестр привязок и журналов (SQLite).
	pool     *pool.Pool         // Пул мостов «аккаунт:сервис».
	servers  []*web.Server      // Сервисные порты 5021–5024 плюс дашборд 5099.
	notifier *salebot.Notifier  // Воркер salebot-колбэков (nil, если не настроен).
	fallback *botapi.Client     // Запасной канал Bot API (nil, если не настроен).

	tasks       *tasks.Runner      // Фоновые операции, переживающие HTTP-дедлайны.
	tasksCancel context.CancelFunc // Обрывает хвост фоновых операций на остановке.

	cliService    *cli.Service       // Операторская консоль.
	serversWG     sync.WaitGroup     // Горутины ListenAndServe.
	janitorWG     sync.WaitGroup     // Горутина ежедневной очистки журналов.
	janitorCancel context.CancelFunc // Останавливает janitor.
}

// NewRunner подготавливает Runner с переданными зависимостями: реестр, пул,
// собранные HTTP-серверы и необязательные воркеры интеграций. Возвращает
// объект, готовый к запуску Run().
func NewRunner(
	mainCtx context.Context,
	mainCancel context.CancelFunc,
	reg *registry.Registry,
	p *pool.Pool,
	servers []*web.Server,
	notifier *salebot.Notifier,
	fallback *botapi.Client,
	background *tasks.Runner,
	backgroundCancel context.CancelFunc,
) *Runner {
	return &Runner{
		mainCtx:     mainCtx,
		mainCancel:  mainCancel,
		reg:         reg,
		pool:        p,
		servers:     servers,
		notifier:    notifier,
		fallback:    fallback,
		tasks:       background,
		tasksCancel: backgroundCancel,
	}
}

// Run — главный цикл шлюза. Поднимает пул мостов, запускает воркеров и
// HTTP-серверы и блокируется до завершения. Мосты живут под контекстом,
// независимым от mainCtx: на остановке сначала закрываются порты и
// дорабатывают фоновые операции, и только затем гасится сетевой уровень.
func (r *Runner) Run() error {
	bridgeCtx, bridgeCancel := context.WithCancel(context.Background())
	defer bridgeCancel()

	// Запускаем отслеживание сигналов сразу, чтобы Ctrl+C работал во время
	// долгого параллельного запуска мостов.
	var shutdownWG sync.WaitGroup
	shutdownWG.Go(func() {
		<-r.mainCtx.Done()
		logger.Debug("Shutdown signal received, stopping gateway...")
		r.stopAllServices()

		logger.Debug("stopping bridge pool")
		bridgeCancel()
		r.pool.StopAll()
		logger.Debug("bridge pool stopped")

		if err := r.reg.Close(); err != nil {
			logger.Errorf("close registry: %v", err)
		}
	})

	if err := r.pool.StartAll(bridgeCtx); err != nil {
		if errors.Is(err, context.Canceled) {
			// Остановка пришла во время запуска: дожидаемся штатного
			// сворачивания и выходим без ошибки.
			shutdownWG.Wait()
			return nil
		}
		r.mainCancel()
		shutdownWG.Wait()
		return errors.Wrap(err, "start bridge pool")
	}

	r.startAllServices(bridgeCtx)
	logger.Info("Gateway running...")

	<-r.mainCtx.Done()
	shutdownWG.Wait()
	return nil
}

func (r *Runner) startAllServices(ctx context.Context) {
	// salebot_notifier
	if r.notifier != nil {
		logger.Debug("starting service salebot_notifier")
		r.notifier.Start(ctx)
		logger.Debug("service salebot_notifier started")
	}

	// botapi_fallback
	if r.fallback != nil {
		logger.Debug("starting service botapi_fallback")
		r.fallback.Start(ctx)
		logger.Debug("service botapi_fallback started")
	}

	// http servers
	for _, srv := range r.servers {
		logger.Debugf("starting http server %s on %s", srv.Name(), srv.Addr())
		r.serversWG.Go(func() {
			if err := srv.Start(); err != nil {
				logger.Errorf("http server %s: %v", srv.Name(), err)
				// Потерянный сервисный порт — неработающий контракт с CRM;
				// инициируем общий shutdown.
				r.mainCancel()
			}
		})
	}

	// janitor
	logger.Debug("starting service janitor")
	janitorCtx, janitorCancel := context.WithCancel(ctx)
	r.janitorCancel = janitorCancel
	r.janitorWG.Go(func() {
		r.runJanitor(janitorCtx)
	})
	logger.Debug("service janitor started")

	// cli
	logger.Debug("starting service cli")
	r.cliService = cli.NewService(r.pool, r.reg, r.mainCancel)
	r.cliService.Start(ctx)
	logger.Debug("service cli started")
}

func (r *Runner) stopAllServices() {
	// Останавливаем в обратном порядке

	// cli — первой: консоль не должна принимать команды, пока подсистемы гаснут.
	if r.cliService != nil {
		logger.Debug("stopping service cli")
		r.cliService.Stop()
		logger.Debug("service cli stopped")
	}

	// janitor
	if r.janitorCancel != nil {
		logger.Debug("stopping service janitor")
		r.janitorCancel()
		r.janitorWG.Wait()
		logger.Debug("service janitor stopped")
	}

	// http servers: перестаём принимать запросы; потолок общий на всех.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
	defer cancel()
	for _, srv := range r.servers {
		logger.Debugf("stopping http server %s", srv.Name())
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("failed to stop http server %s: %v", srv.Name(), err)
		}
	}
	r.serversWG.Wait()
	logger.Debug("http servers stopped")

	// background tasks: порты закрыты, дорезаем хвост фоновых операций.
	logger.Debug("stopping background tasks")
	r.tasksCancel()
	r.tasks.Wait()
	logger.Debug("background tasks stopped")

	// salebot_notifier: недоставленные колбэки уходят в failed_requests.
	if r.notifier != nil {
		logger.Debug("stopping service salebot_notifier")
		r.notifier.Stop()
		logger.Debug("service salebot_notifier stopped")
	}

	// botapi_fallback
	if r.fallback != nil {
		logger.Debug("stopping service botapi_fallback")
		r.fallback.Stop()
		logger.Debug("service botapi_fallback stopped")
	}
}

// runJanitor ежедневно чистит старые строки журналов реестра. Первая очистка
// выполняется сразу: после долгого простоя хвост может быть большим.
func (r *Runner) runJanitor(ctx context.Context) {
	r.cleanupOldLogs(ctx)

	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.cleanupOldLogs(ctx)
		}
	}
}

func (r *Runner) cleanupOldLogs(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, cleanupTimeout)
	defer cancel()

	removed, err := r.reg.CleanupOldLogs(ctx, logRetentionDays)
	if err != nil {
		logger.Warnf("Janitor: cleanup failed: %v", err)
		return
	}
	if removed > 0 {
		logger.Infof("Janitor: removed %d journal rows older than %d days", removed, logRetentionDays)
	}
}
