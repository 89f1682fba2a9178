package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"telegram-gateway/internal/app"
	"telegram-gateway/internal/infra/config"
	"telegram-gateway/internal/infra/logger"
	"telegram-gateway/internal/infra/pr"
)

func main() {
	if err := pr.Init(); err != nil {
		logger.Fatal("failed to assign stdout and stderr", zap.Error(err))
	}

	// envPath определяет расположение .env с секретами и общими настройками;
	// пустое значение отключает чтение файла (конфигурация из окружения).
	envPath := flag.String("env", ".env", "path to .env file (empty to skip)")
	// accountsPath перекрывает ACCOUNTS_FILE из окружения.
	accountsPath := flag.String("accounts", "", "path to accounts file (overrides ACCOUNTS_FILE)")
	// authorizeKey включает режим интерактивной авторизации одного моста.
	authorizeKey := flag.String("authorize", "", "authorize bridge `account:service` interactively and exit")
	flag.Parse()

	// godotenv не перекрывает уже установленные переменные, поэтому флаг
	// имеет приоритет и над окружением, и над .env.
	if *accountsPath != "" {
		if err := os.Setenv("ACCOUNTS_FILE", *accountsPath); err != nil {
			logger.Fatal("failed to override ACCOUNTS_FILE", zap.Error(err))
		}
	}

	// config.Load загружает конфигурацию из .env и accounts.json.
	if err := config.Load(*envPath); err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	// logger.Init задаёт уровень, SetFile добавляет ротируемый файловый
	// приёмник, SetWriters перенаправляет вывод в подсистему pr (чтобы логи
	// уживались с readline-консолью).
	logger.Init(config.Env().LogLevel)
	if file := config.Env().LogFile; file != "" {
		logger.SetFile(file)
	}
	logger.SetWriters(pr.Stdout(), pr.Stderr())
	for _, msg := range config.Warnings() {
		logger.Warn(msg)
	}

	// Контекст с обработкой системных сигналов (Ctrl+C/SIGTERM). Важно: stop()
	// нужно вызвать, чтобы снять подписку.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	// Режим -authorize: интерактивная авторизация одного моста и выход.
	if *authorizeKey != "" {
		if err := app.Authorize(ctx, *authorizeKey); err != nil {
			stop()
			logger.Fatal("authorization failed", zap.Error(err))
		}
		stop()
		logger.Info("Authorization complete")
		return
	}

	// Собираем приложение и передаём ему контекст жизненного цикла и stop
	// как внешнюю CancelFunc.
	a := app.NewApp(ctx, stop)
	if runErr := a.Run(); runErr != nil {
		stop()
		logger.Fatal("gateway run failed", zap.Error(runErr))
	}
	// Освобождаем обработчик сигналов и завершаемся.
	stop()
	logger.Info("Graceful shutdown complete")
}
