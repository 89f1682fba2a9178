package bridge

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-faster/errors"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	bboltdb "github.com/gotd/contrib/bbolt"
	"github.com/gotd/contrib/middleware/floodwait"
	"github.com/gotd/contrib/middleware/ratelimit"
	contribstorage "github.com/gotd/contrib/storage"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"

	"telegram-gateway/internal/infra/config"
	"telegram-gateway/internal/infra/logger"
	"telegram-gateway/internal/infra/retry"
	"telegram-gateway/internal/telegram/connection"
	"telegram-gateway/internal/telegram/session"
)

const (
	appVersion = "2.0.0"

	dbOpenTimeout   = time.Second
	dbFileMode      = 0o600
	peersBucketName = "peers"
)

var peersBucket = []byte(peersBucketName)

// ErrNotAuthorized — у моста нет рабочей сессии. Лечится только интерактивной
// авторизацией (флаг -authorize), поэтому ретраи бессмысленны.
var ErrNotAuthorized = errors.New("session not authorized")

type notAuthorizedError struct{ key string }

func (e notAuthorizedError) Error() string {
	return "bridge " + e.key + ": session not authorized (run with -authorize " + e.key + ")"
}

func (e notAuthorizedError) Unwrap() error { return ErrNotAuthorized }

// StopRetry помечает ошибку как окончательную для драйвера повторов.
func (e notAuthorizedError) StopRetry() bool { return true }

// Key строит ключ моста «аккаунт:сервис».
func Key(account, service string) string { return account + ":" + service }

// ChatRegistrar лениво регистрирует чаты, найденные при прогреве кэша:
// группа, созданная в обход шлюза, получает владельцем этот аккаунт.
// Реализуется реестром шлюза; мост без регистратора пропускает синхронизацию.
type ChatRegistrar interface {
	AssignIfNotExists(ctx context.Context, chatID, accountName, title string) (bool, error)
	LogOperation(ctx context.Context, accountName, chatID, operation, status, detail string) error
}

// Bridge владеет одним MTProto-клиентом, закреплённым за парой
// «аккаунт:сервис», его здоровьем, кэшем диалогов и персистентным
// хранилищем пиров.
type Bridge struct {
	account  string
	service  string
	priority int
	phone    string

	sessionPath string
	peersPath   string

	client  *telegram.Client
	waiter  *floodwait.Waiter
	health  *Health
	cache   *Cache
	retrier *retry.Retrier

	// registrar задаётся до Run и далее не меняется.
	registrar ChatRegistrar

	peersDB *bbolt.DB
	peers   contribstorage.PeerStorage

	monitor atomic.Pointer[connection.Monitor]

	selfMu sync.RWMutex
	self   Entity

	lastMini atomic.Int64 // unix-секунда последнего мини-прогрева

	warmupMu sync.Mutex // сериализует полные прогревы

	started     chan error
	startedOnce sync.Once
}

// New собирает мост для аккаунта acct в роли service. Открывает локальное
// хранилище пиров; сетевых операций не выполняет — они начинаются в Run.
func New(acct config.Account, service string, env config.EnvConfig) (*Bridge, error) {
	file, ok := acct.Sessions[service]
	if !ok {
		return nil, errors.Errorf("account %q has no session for service %q", acct.Name, service)
	}
	sessionPath := filepath.Join(env.SessionDir, file)
	peersPath := sessionPath + ".peers"

	b := &Bridge{
		account:     acct.Name,
		service:     service,
		priority:    acct.Priority,
		phone:       acct.Phone,
		sessionPath: sessionPath,
		peersPath:   peersPath,
		waiter:      floodwait.NewWaiter(),
		health:      NewHealth(config.ErrorThreshold),
		cache:       NewCache(),
		started:     make(chan error, 1),
	}
	b.retrier = retry.New(config.MaxRetries, config.RetryDelay,
		retry.WithReconnect(b.reconnect),
		retry.WithRetriable(connection.IsNetworkError, connection.IsPersistentTimestampGap),
	)

	db, err := bbolt.Open(peersPath, dbFileMode, &bbolt.Options{Timeout: dbOpenTimeout})
	if err != nil {
		return nil, errors.Wrapf(err, "bridge %s: open peers db", b.Key())
	}
	b.peersDB = db
	b.peers = bboltdb.NewPeerStorage(db, peersBucket)

	options := telegram.Options{
		SessionStorage: &session.FileStorage{
			Path:    sessionPath,
			OnStore: b.onSessionStored,
		},
		Middlewares: []telegram.Middleware{
			b.waiter,
			ratelimit.New(
				rate.Limit(env.ThrottleRPS),
				env.ThrottleRPS*2, //nolint:mnd // burst = 2*rate
			),
		},
		// gotd сообщает о «мёртвом» соединении — переводим монитор в offline,
		// чтобы драйвер повторов дождался восстановления.
		OnDead: b.onDead,
		Device: telegram.DeviceConfig{
			DeviceModel:   "MacBookPro18,1",
			SystemVersion: "macOS v15.6.1 build 24G90",
			AppVersion:    appVersion,
		},
	}
	b.client = telegram.NewClient(acct.APIID, acct.APIHash, options)
	return b, nil
}

// Account возвращает имя аккаунта.
func (b *Bridge) Account() string { return b.account }

// Service возвращает сервисную роль моста.
func (b *Bridge) Service() string { return b.service }

// Key возвращает «аккаунт:сервис».
func (b *Bridge) Key() string { return Key(b.account, b.service) }

// Priority возвращает приоритет аккаунта (1 — основной).
func (b *Bridge) Priority() int { return b.priority }

// Health открывает машину состояния моста.
func (b *Bridge) Health() *Health { return b.health }

// Cache открывает кэш диалогов моста.
func (b *Bridge) Cache() *Cache { return b.cache }

// SetRegistrar подключает реестр ленивой регистрации чатов. Вызывается до Run.
func (b *Bridge) SetRegistrar(r ChatRegistrar) { b.registrar = r }

// API возвращает низкоуровневый RPC-клиент gotd.
func (b *Bridge) API() *tg.Client { return b.client.API() }

// Client возвращает MTProto-клиент (нужен интерактивной авторизации).
func (b *Bridge) Client() *telegram.Client { return b.client }

// Self возвращает сущность собственного пользователя моста.
func (b *Bridge) Self() Entity {
	b.selfMu.RLock()
	defer b.selfMu.RUnlock()
	return b.self
}

// Started закрывается первым исходом запуска: nil — мост поднялся и прогрет,
// ошибка — запуск не удался.
func (b *Bridge) Started() <-chan error { return b.started }

func (b *Bridge) signalStarted(err error) {
	b.startedOnce.Do(func() {
		b.started <- err
		close(b.started)
	})
}

func (b *Bridge) mon() *connection.Monitor { return b.monitor.Load() }

func (b *Bridge) onDead() {
	if m := b.mon(); m != nil {
		m.MarkDisconnected()
	}
}

func (b *Bridge) onSessionStored() {
	if m := b.mon(); m != nil {
		m.MarkConnected()
	}
}

// reconnect — хук драйвера повторов: пауза, ожидание живого соединения,
// проверка, что авторизация не слетела.
func (b *Bridge) reconnect(ctx context.Context) error {
	m := b.mon()
	if m == nil {
		return errors.Errorf("bridge %s is not running", b.Key())
	}
	return m.Reconnect(ctx, config.ReconnectPause)
}

// Invoke выполняет fn под драйвером повторов моста: сетевые сбои приводят
// к реконнекту и повтору, доменные ошибки возвращаются сразу.
func (b *Bridge) Invoke(ctx context.Context, fn func(context.Context) error) error {
	return b.retrier.Do(ctx, fn)
}

// Run поднимает клиент и блокируется на всё время его жизни. Порядок фаз:
// соединение, проверка авторизации, определение self, загрузка сохранённых
// пиров, полный прогрев кэша, объявление готовности, периодический прогрев.
func (b *Bridge) Run(ctx context.Context) error {
	b.health.SetStarting()

	err := b.waiter.Run(ctx, func(ctx context.Context) error {
		return b.client.Run(ctx, func(ctx context.Context) error {
			return b.serve(ctx)
		})
	})

	if err != nil && !errors.Is(err, context.Canceled) {
		b.health.SetStartFailed(err)
		b.signalStarted(err)
	} else {
		b.health.SetOffline()
		b.signalStarted(err)
	}
	if closeErr := b.peersDB.Close(); closeErr != nil {
		logger.Warnf("Bridge %s: close peers db: %v", b.Key(), closeErr)
	}
	return err
}

// Authorize поднимает клиент и проводит интерактивный сценарий авторизации.
// Используется из режима -authorize: сессия сохраняется в файл моста, после
// чего мост можно запускать штатно. Если сессия уже авторизована, сценарий
// пропускается и печатается текущая личность.
func (b *Bridge) Authorize(ctx context.Context, flow auth.Flow) error {
	err := b.waiter.Run(ctx, func(ctx context.Context) error {
		return b.client.Run(ctx, func(ctx context.Context) error {
			if authErr := b.client.Auth().IfNecessary(ctx, flow); authErr != nil {
				return errors.Wrap(authErr, "auth")
			}
			self, selfErr := b.client.Self(ctx)
			if selfErr != nil {
				return errors.Wrap(selfErr, "self")
			}
			logger.Logger().Info("Bridge authorized",
				zap.String("bridge", b.Key()),
				zap.String("username", self.Username),
				zap.Int64("id", self.ID),
			)
			return nil
		})
	})
	if closeErr := b.peersDB.Close(); closeErr != nil {
		logger.Warnf("Bridge %s: close peers db: %v", b.Key(), closeErr)
	}
	return err
}

func (b *Bridge) serve(ctx context.Context) error {
	status, err := b.client.Auth().Status(ctx)
	if err != nil {
		return errors.Wrap(err, "auth status")
	}
	if !status.Authorized {
		return notAuthorizedError{key: b.Key()}
	}

	self, err := b.client.Self(ctx)
	if err != nil {
		return errors.Wrap(err, "self")
	}
	selfEnt := EntityFromUser(self)
	b.selfMu.Lock()
	b.self = selfEnt
	b.selfMu.Unlock()
	b.cache.Put(selfEnt)

	logger.Logger().Info("Bridge logged in",
		zap.String("bridge", b.Key()),
		zap.String("username", self.Username),
		zap.Int64("id", self.ID),
	)

	monitor := connection.NewMonitor(ctx, b.Key(), b.client)
	b.monitor.Store(monitor)
	defer func() {
		monitor.Shutdown()
		b.monitor.Store(nil)
	}()

	// Сохранённые пиры дают рабочий кэш даже если первый прогрев упрётся
	// во FloodWait.
	if loadErr := b.loadPersistedPeers(ctx); loadErr != nil {
		logger.Warnf("Bridge %s: load persisted peers: %v", b.Key(), loadErr)
	}

	if warmErr := b.WarmupCache(ctx); warmErr != nil {
		return errors.Wrap(warmErr, "cache warmup")
	}

	b.health.SetHealthy()
	b.signalStarted(nil)
	logger.Infof("Bridge %s started: cache=%d", b.Key(), b.cache.Size())

	go b.periodicWarmup(ctx)

	<-ctx.Done()
	return ctx.Err()
}

// periodicWarmup повторяет полный прогрев кэша каждые CacheWarmupInterval.
func (b *Bridge) periodicWarmup(ctx context.Context) {
	ticker := time.NewTicker(config.CacheWarmupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.WarmupCache(ctx); err != nil {
				logger.Warnf("Periodic warmup for %s failed: %v", b.Key(), err)
			}
		}
	}
}

// StatusSnapshot — сериализуемый снимок состояния моста для дашборда.
type StatusSnapshot struct {
	Name            string  `json:"name"`
	Session         string  `json:"session"`
	Priority        int     `json:"priority"`
	Status          Status  `json:"status"`
	IsHealthy       bool    `json:"is_healthy"`
	FloodRemaining  int     `json:"flood_remaining"`
	LastError       string  `json:"last_error,omitempty"`
	ErrorCount      int     `json:"error_count"`
	OperationsCount int64   `json:"operations_count"`
	LastActive      float64 `json:"last_active,omitempty"`
	SelfUserID      int64   `json:"self_user_id,omitempty"`
	SelfUsername    string  `json:"self_username,omitempty"`
	CacheSize       int     `json:"cache_size"`
}

// Snapshot собирает текущее состояние моста.
func (b *Bridge) Snapshot() StatusSnapshot {
	self := b.Self()
	var lastActive float64
	if la := b.health.LastActive(); !la.IsZero() {
		lastActive = float64(la.UnixNano()) / 1e9
	}
	return StatusSnapshot{
		Name:            b.account,
		Session:         b.sessionPath,
		Priority:        b.priority,
		Status:          b.health.Status(),
		IsHealthy:       b.health.IsHealthy(),
		FloodRemaining:  b.health.FloodRemaining(),
		LastError:       b.health.LastError(),
		ErrorCount:      b.health.ErrorCount(),
		OperationsCount: b.health.Operations(),
		LastActive:      lastActive,
		SelfUserID:      self.ID,
		SelfUsername:    self.Username,
		CacheSize:       b.cache.Size(),
	}
}
