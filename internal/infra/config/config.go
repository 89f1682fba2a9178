// Пакет config отвечает за сбор и предоставление конфигурации всего шлюза.
// Он:
//  1. читает переменные окружения из .env (через godotenv),
//  2. загружает статическую таблицу аккаунтов из JSON-файла (accounts.json),
//  3. нормализует и валидирует входные значения,
//  4. предоставляет потокобезопасный доступ к результатам.
//
// Бизнес-контекст: шлюз мультиплексирует операции (создание супергрупп,
// отправка текста и медиа, выход из чатов) по пулу телеграм-аккаунтов.
// Каждый аккаунт несёт приоритет и карту сессий «сервис → файл сессии»;
// переменные окружения задают учётные данные API, реестр, креды дашборда
// и необязательные интеграции (salebot, Bot API, наблюдатель).
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// Сервисные роли закреплены за фиксированными портами; Make/n8n привязаны к ним.
const (
	PortCreateChat = 5021
	PortSendText   = 5022
	PortSendMedia  = 5023
	PortLeaveChat  = 5024
	PortDashboard  = 5099
)

// Операционные константы пула. Значения согласованы с лимитами Telegram:
// полный прогрев кэша диалогов дорог (на старте часто ловит FloodWait ~30 с),
// поэтому выполняется редко; мини-прогрев дёшев, но тоже троттлится.
const (
	MaxRetries          = 3
	RetryDelay          = 2 * time.Second
	ReconnectPause      = 1 * time.Second
	CacheWarmupInterval = 1800 * time.Second
	MiniRefreshCooldown = 30 * time.Second
	ErrorThreshold      = 10

	// MainAccountName — имя основного аккаунта (priority 1). Балансировщик
	// create_chat держит за ним фиксированные 5% новых чатов.
	MainAccountName = "main"
	MainPct         = 0.05
)

// knownServices — закрытый набор сервисных ролей. Карта sessions аккаунта
// может содержать только эти ключи.
var knownServices = []string{"create_chat", "send_text", "send_media", "leave_chat"}

// Account — статическое описание одного телеграм-аккаунта пула.
// api_id/api_hash можно не указывать: тогда берутся общие TG_API_ID/TG_API_HASH.
// Sessions отображает сервисную роль в имя файла сессии; у каждой роли обязан
// быть свой файл — MTProto-библиотека держит на сессии эксклюзивную блокировку.
type Account struct {
	Name     string            `json:"name"`
	APIID    int               `json:"api_id,omitempty"`
	APIHash  string            `json:"api_hash,omitempty"`
	Phone    string            `json:"phone,omitempty"`
	Username string            `json:"username,omitempty"`
	Priority int               `json:"priority"`
	Sessions map[string]string `json:"sessions"`
}

// EnvConfig описывает параметры, приходящие из окружения (.env).
type EnvConfig struct {
	APIID   int
	APIHash string

	RegistryDB string

	MonitorUser string
	MonitorPass string

	LogLevel string
	LogFile  string

	SalebotCallbackURL string
	SalebotGroupID     string

	BotToken         string
	ObserverUsername string

	AccountsFile string
	SessionDir   string

	// ThrottleRPS — верхняя граница исходящих запросов в секунду: на каждый
	// мост (middleware клиента) и на запасной канал Bot API.
	ThrottleRPS int
}

// Config хранит конфигурацию среды и таблицу аккаунтов.
//
// Потокобезопасность: публичные геттеры берут RLock; после Load()
// структура не мутирует.
type Config struct {
	Env      EnvConfig
	Accounts []Account
	warnings []string
	mu       sync.RWMutex
}

// Значения по умолчанию для параметров окружения.
const (
	defaultRegistryDB   = "chat_registry.db"
	defaultLogLevel     = "info"
	defaultMonitorUser  = "admin"
	defaultMonitorPass  = "changeme"
	defaultAccountsFile = "accounts.json"
	defaultSessionDir   = "sessions"
	defaultThrottleRPS  = 10
)

var (
	cfgInstance *Config
	cfgDone     bool
)

// Load — точка входа для инициализации глобальной конфигурации.
// При первом вызове читает .env и accounts.json, валидирует и фиксирует
// результат в singleton. Повторный вызов запрещён, чтобы избежать гонок
// конфигурации на старте.
func Load(envPath string) error {
	if cfgDone {
		return errors.New("config already loaded")
	}
	if cfgInstance == nil {
		cfgInstance = &Config{}
	}
	cfgInstance.mu.Lock()
	defer cfgInstance.mu.Unlock()
	newCfg, err := loadConfig(envPath)
	if err != nil {
		return err
	}
	cfgInstance = newCfg
	cfgDone = true
	return nil
}

// loadConfig выполняет фактическую загрузку/валидацию без установки глобального
// состояния. Удобно для тестов: можно собрать временный Config и проверить его.
func loadConfig(envPath string) (*Config, error) {
	// .env опционален: в проде переменные приходят из окружения сервиса.
	if envPath != "" {
		if err := loadDotenv(envPath); err != nil {
			return nil, err
		}
	}

	apiID, err := parseRequiredInt("TG_API_ID")
	if err != nil {
		return nil, err
	}
	apiHash := strings.TrimSpace(os.Getenv("TG_API_HASH"))
	if apiHash == "" {
		return nil, errors.New("env TG_API_HASH must be set")
	}

	var warnings []string

	registryDB := sanitizeFile("REGISTRY_DB", os.Getenv("REGISTRY_DB"), defaultRegistryDB, &warnings)
	monitorUser := sanitizeFile("MONITOR_USER", os.Getenv("MONITOR_USER"), defaultMonitorUser, &warnings)
	monitorPass := strings.TrimSpace(os.Getenv("MONITOR_PASS"))
	if monitorPass == "" {
		appendWarningf(&warnings, "env MONITOR_PASS is not set; dashboard uses default credentials")
		monitorPass = defaultMonitorPass
	}
	logLevel := sanitizeLogLevel(os.Getenv("LOG_LEVEL"), defaultLogLevel, &warnings)
	logFile := strings.TrimSpace(os.Getenv("LOG_FILE"))
	salebotURL := strings.TrimSpace(os.Getenv("SALEBOT_CALLBACK_URL"))
	salebotGroup := strings.TrimSpace(os.Getenv("SALEBOT_GROUP_ID"))
	botToken := strings.TrimSpace(os.Getenv("BOT_TOKEN"))
	observer := strings.TrimPrefix(strings.TrimSpace(os.Getenv("AMO_OBSERVER_USERNAME")), "@")
	accountsFile := sanitizeFile("ACCOUNTS_FILE", os.Getenv("ACCOUNTS_FILE"), defaultAccountsFile, &warnings)
	sessionDir := sanitizeFile("SESSION_DIR", os.Getenv("SESSION_DIR"), defaultSessionDir, &warnings)
	throttleRPS := parseOptionalInt("TG_THROTTLE_RPS", defaultThrottleRPS, &warnings)

	if salebotURL != "" && salebotGroup == "" {
		appendWarningf(&warnings, "env SALEBOT_GROUP_ID is empty while SALEBOT_CALLBACK_URL is set")
	}

	raw, err := os.ReadFile(accountsFile)
	if err != nil {
		return nil, fmt.Errorf("read accounts file %s: %w", accountsFile, err)
	}
	accounts, err := ParseAccounts(raw, apiID, apiHash)
	if err != nil {
		return nil, fmt.Errorf("accounts file %s: %w", accountsFile, err)
	}

	env := EnvConfig{
		APIID:              apiID,
		APIHash:            apiHash,
		RegistryDB:         registryDB,
		MonitorUser:        monitorUser,
		MonitorPass:        monitorPass,
		LogLevel:           logLevel,
		LogFile:            logFile,
		SalebotCallbackURL: salebotURL,
		SalebotGroupID:     salebotGroup,
		BotToken:           botToken,
		ObserverUsername:   observer,
		AccountsFile:       accountsFile,
		SessionDir:         sessionDir,
		ThrottleRPS:        throttleRPS,
	}

	return &Config{Env: env, Accounts: accounts, warnings: warnings}, nil
}

// loadDotenv читает .env по указанному пути. Отсутствие файла — ошибка,
// чтобы опечатка в -env не проходила молча.
func loadDotenv(path string) error {
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// ParseAccounts разбирает JSON-таблицу аккаунтов и валидирует её инварианты:
// непустые уникальные имена, приоритет >= 1, карта sessions из известных
// сервисов и глобально уникальные имена файлов сессий (один файл — один мост).
// Пустые api_id/api_hash заполняются общими значениями.
func ParseAccounts(data []byte, defaultAPIID int, defaultAPIHash string) ([]Account, error) {
	var accounts []Account
	if err := json.Unmarshal(data, &accounts); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if len(accounts) == 0 {
		return nil, errors.New("no accounts defined")
	}

	names := make(map[string]struct{}, len(accounts))
	sessionFiles := make(map[string]string) // session file -> "account:service"
	for i := range accounts {
		a := &accounts[i]
		a.Name = strings.TrimSpace(a.Name)
		if a.Name == "" {
			return nil, fmt.Errorf("account #%d: name is required", i)
		}
		if _, dup := names[a.Name]; dup {
			return nil, fmt.Errorf("account %q: duplicate name", a.Name)
		}
		names[a.Name] = struct{}{}

		if a.Priority < 1 {
			return nil, fmt.Errorf("account %q: priority must be >= 1", a.Name)
		}
		if a.APIID == 0 {
			a.APIID = defaultAPIID
		}
		if a.APIHash == "" {
			a.APIHash = defaultAPIHash
		}
		if len(a.Sessions) == 0 {
			return nil, fmt.Errorf("account %q: sessions map is required", a.Name)
		}
		for service, file := range a.Sessions {
			if !isKnownService(service) {
				return nil, fmt.Errorf("account %q: unknown service %q", a.Name, service)
			}
			file = strings.TrimSpace(file)
			if file == "" {
				return nil, fmt.Errorf("account %q: empty session for service %q", a.Name, service)
			}
			a.Sessions[service] = file
			key := a.Name + ":" + service
			if prev, dup := sessionFiles[file]; dup {
				return nil, fmt.Errorf("session file %q shared by %s and %s", file, prev, key)
			}
			sessionFiles[file] = key
		}
	}
	return accounts, nil
}

// isKnownService проверяет принадлежность имени сервиса закрытому набору ролей.
func isKnownService(name string) bool {
	for _, s := range knownServices {
		if s == name {
			return true
		}
	}
	return false
}

// ServiceNames возвращает копию списка известных сервисных ролей.
func ServiceNames() []string {
	out := make([]string, len(knownServices))
	copy(out, knownServices)
	return out
}

// Warnings возвращает накопленные предупреждения, возникшие при загрузке
// (например, когда подставлено значение по умолчанию). Возвращается копия.
func Warnings() []string {
	cfgInstance.mu.RLock()
	defer cfgInstance.mu.RUnlock()
	result := make([]string, len(cfgInstance.warnings))
	copy(result, cfgInstance.warnings)
	return result
}

// Env возвращает EnvConfig из глобального singleton. Это неизменяемый снимок
// на момент загрузки.
func Env() EnvConfig {
	return cfgInstance.Env
}

// Accounts возвращает таблицу аккаунтов из глобального singleton.
func Accounts() []Account {
	return cfgInstance.Accounts
}

// parseRequiredInt читает обязательную целочисленную переменную окружения name.
// Если переменная не задана или не является корректным числом — ошибка:
// без критичных параметров шлюз не стартует.
func parseRequiredInt(name string) (int, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return 0, fmt.Errorf("env %s must be set", name)
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("env %s must be a valid integer: %w", name, err)
	}
	return v, nil
}

// parseOptionalInt читает необязательную целочисленную переменную; мусорные и
// неположительные значения заменяются на fallback с предупреждением.
func parseOptionalInt(name string, fallback int, warnings *[]string) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	v, err := strconv.Atoi(value)
	if err != nil || v <= 0 {
		appendWarningf(warnings, "env %s value %q is invalid; using default %d", name, value, fallback)
		return fallback
	}
	return v
}

// appendWarningf — накопление предупреждений о некорректных переменных
// окружения. Список затем доступен через Warnings().
func appendWarningf(warnings *[]string, format string, args ...any) {
	if warnings == nil {
		return
	}
	*warnings = append(*warnings, fmt.Sprintf(format, args...))
}

// sanitizeLogLevel нормализует LOG_LEVEL и ограничивает значения набором
// {debug, info, warn, error}. Всё остальное превращается в defaultVal.
func sanitizeLogLevel(level string, defaultVal string, warnings *[]string) string {
	lvl := strings.ToLower(strings.TrimSpace(level))
	if lvl == "" {
		return defaultVal
	}
	switch lvl {
	case "debug", "info", "warn", "error":
		return lvl
	default:
		appendWarningf(warnings, "env LOG_LEVEL value %q is invalid; using default %q", level, defaultVal)
		return defaultVal
	}
}

// sanitizeFile возвращает валидное имя файла/значения конфигурации.
// Если переменная не задана, подставляет fallback.
func sanitizeFile(name, value, fallback string, warnings *[]string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		appendWarningf(warnings, "env %s is not set; using default %q", name, fallback)
		return fallback
	}
	return v
}
