// Package app — верхний уровень сборки шлюза. Здесь связываются конфигурация,
// реестр привязок, пул мостов, маршрутизатор, прикладные сервисы и HTTP-слой,
// отсюда стартует жизненный цикл процесса и обеспечивается корректный shutdown.
// Бизнес-назначение: один процесс обслуживает все четыре сервисные роли и
// административный дашборд поверх общего пула телеграм-аккаунтов.
package app

import (
	"context"
	"strings"

	"github.com/go-faster/errors"
	"github.com/gotd/td/telegram/auth"

	"telegram-gateway/internal/adapters/botapi"
	"telegram-gateway/internal/adapters/salebot"
	"telegram-gateway/internal/infra/config"
	"telegram-gateway/internal/infra/logger"
	"telegram-gateway/internal/infra/tasks"
	"telegram-gateway/internal/registry"
	"telegram-gateway/internal/services"
	termauth "telegram-gateway/internal/telegram/auth"
	"telegram-gateway/internal/telegram/bridge"
	"telegram-gateway/internal/telegram/pool"
	"telegram-gateway/internal/telegram/router"
	"telegram-gateway/internal/web"
)

// App агрегирует зависимости шлюза и управляет их связью.
// Отвечает за:
//   - реестр привязок «чат → аккаунт» (SQLite),
//   - пул мостов «аккаунт:сервис» и маршрутизатор поверх него,
//   - прикладную платформу сервисов с необязательными интеграциями
//     (salebot-колбэки, запасной канал Bot API, наблюдатель),
//   - HTTP-серверы сервисных портов и дашборда,
//   - запуск Runner, который оркестрирует жизненный цикл и graceful shutdown.
type App struct {
	mainCtx    context.Context    // Контекст жизненного цикла приложения.
	mainCancel context.CancelFunc // Инициирует отмену mainCtx.
	runner     *Runner            // Оркестратор запуска и остановки подсистем.
}

// NewApp создаёт каркас приложения. Фактическая сборка выполняется в Run().
func NewApp(mainCtx context.Context, mainCancel context.CancelFunc) *App {
	return &App{
		mainCtx:    mainCtx,
		mainCancel: mainCancel,
	}
}

// Run собирает все подсистемы шлюза и запускает Runner: реестр, пул мостов,
// маршрутизатор, платформу сервисов, HTTP-серверы и фоновых воркеров.
// Блокируется до остановки приложения.
func (a *App) Run() error {
	logger.Info("Gateway initializing...")

	env := config.Env()

	reg, err := registry.Open(env.RegistryDB)
	if err != nil {
		return errors.Wrap(err, "open registry")
	}

	p, err := pool.New(config.Accounts(), env)
	if err != nil {
		return errors.Wrap(err, "build bridge pool")
	}
	// Прогрев кэша лениво регистрирует в реестре чаты, созданные в обход шлюза.
	p.SetRegistrar(reg)

	// Фоновые операции переживают HTTP-дедлайны, поэтому живут под собственным
	// контекстом; Runner отменяет его на остановке после закрытия портов.
	taskCtx, taskCancel := context.WithCancel(context.Background())
	background := tasks.NewRunner(taskCtx)

	platform := &services.Platform{
		Pool:     p,
		Router:   router.New(p, reg),
		Registry: reg,
		Runner:   background,
		Observer: env.ObserverUsername,
	}

	// Колбэки Salebot и запасной канал Bot API — необязательные интеграции:
	// без соответствующих переменных окружения поля платформы остаются nil.
	var notifier *salebot.Notifier
	if env.SalebotCallbackURL != "" {
		notifier = salebot.New(env.SalebotCallbackURL, env.SalebotGroupID, reg)
		platform.Notifier = notifier
	}
	var fallback *botapi.Client
	if env.BotToken != "" {
		fallback = botapi.New(env.BotToken, env.ThrottleRPS)
		platform.Fallback = fallback
	}

	servers := make([]*web.Server, 0, len(config.ServiceNames())+1)
	for _, d := range platform.Descriptors() {
		servers = append(servers, web.NewServiceServer(platform, d))
	}
	servers = append(servers, web.NewDashboard(p, reg, env))

	a.runner = NewRunner(
		a.mainCtx,
		a.mainCancel,
		reg,
		p,
		servers,
		notifier,
		fallback,
		background,
		taskCancel,
	)
	return a.runner.Run()
}

// Authorize — режим -authorize: интерактивная авторизация одного моста по
// ключу «аккаунт:сервис». Проводит сценарий телефон/код/2FA в терминале,
// сохраняет файл сессии моста и завершает процесс.
func Authorize(ctx context.Context, key string) error {
	accountName, service, ok := strings.Cut(key, ":")
	if !ok {
		return errors.Errorf("invalid bridge key %q (expected account:service)", key)
	}

	var acct config.Account
	found := false
	for _, candidate := range config.Accounts() {
		if candidate.Name == accountName {
			acct = candidate
			found = true
			break
		}
	}
	if !found {
		return errors.Errorf("unknown account %q", accountName)
	}
	if acct.Phone == "" {
		return errors.Errorf("account %q has no phone number in accounts file", accountName)
	}

	b, err := bridge.New(acct, service, config.Env())
	if err != nil {
		return err
	}

	logger.Infof("Authorizing bridge %s (phone %s)...", b.Key(), acct.Phone)
	flow := auth.NewFlow(termauth.TerminalAuthenticator{PhoneNumber: acct.Phone}, auth.SendCodeOptions{})
	return b.Authorize(ctx, flow)
}
