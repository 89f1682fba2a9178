package bridge

// Прогрев кэша диалогов. Полный прогрев листает все диалоги аккаунта
// постранично (на старте и далее периодически), мини-прогрев забирает
// только последнюю страницу и троттлится кулдауном. Всё увиденное
// складывается и в кэш моста, и в персистентное хранилище пиров, чтобы
// access_hash переживали рестарт.

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"go.etcd.io/bbolt"

	contribstorage "github.com/gotd/contrib/storage"
	"github.com/gotd/td/tg"

	"telegram-gateway/internal/infra/config"
	"telegram-gateway/internal/infra/logger"
	tgruntime "telegram-gateway/internal/telegram/runtime"
)

const (
	dialogPageLimit  = 100
	dialogWaitMinMs  = 500
	dialogWaitMaxMs  = 1500
	miniRefreshLimit = 100
)

var errDialogsNotModified = errors.New("dialogs not modified")

// WarmupCache выполняет полный прогрев: выгружает все диалоги, опустошает
// кэш и наполняет его заново. Вызывается на старте моста, по расписанию и
// по административной команде reload_cache.
func (b *Bridge) WarmupCache(ctx context.Context) error {
	b.warmupMu.Lock()
	defer b.warmupMu.Unlock()

	startedAt := time.Now()
	res, err := b.fetchAllDialogs(ctx)
	if err != nil {
		return errors.Wrap(err, "fetch dialogs")
	}

	b.cache.Clear()
	self := b.Self()
	if !self.Zero() {
		b.cache.Put(self)
	}
	b.applyDialogs(ctx, res)
	b.SyncChats(ctx, res.Chats)

	logger.Infof("Cache warmup %s: %d entities in %.1fs",
		b.Key(), b.cache.Size(), time.Since(startedAt).Seconds())
	return nil
}

// MiniRefresh догружает последние диалоги, не опустошая кэш. Срабатывает
// не чаще одного раза в MiniRefreshCooldown; лишние вызовы — no-op.
func (b *Bridge) MiniRefresh(ctx context.Context) error {
	now := time.Now().Unix()
	last := b.lastMini.Load()
	if now-last < int64(config.MiniRefreshCooldown/time.Second) {
		return nil
	}
	if !b.lastMini.CompareAndSwap(last, now) {
		// Конкурирующий вызов уже начал прогрев.
		return nil
	}

	before := b.cache.Size()
	res, err := b.fetchRecentDialogs(ctx, miniRefreshLimit)
	if err != nil {
		return errors.Wrap(err, "fetch recent dialogs")
	}
	b.applyDialogs(ctx, res)

	total := b.cache.Size()
	logger.Infof("Mini-refresh %s: +%d, total=%d", b.Key(), total-before, total)
	return nil
}

// fetchAllDialogs последовательно выгружает весь список диалогов через
// MessagesGetDialogs. Пагинация идёт по (offset_date, offset_id,
// offset_peer); access_hash для офсетного пира накапливаются по ходу.
func (b *Bridge) fetchAllDialogs(ctx context.Context) (*tg.MessagesDialogs, error) {
	api := b.API()
	result := &tg.MessagesDialogs{}

	offsetDate := 0
	offsetID := 0
	var offsetPeer tg.InputPeerClass = &tg.InputPeerEmpty{}

	userHashes := make(map[int64]int64)
	channelHashes := make(map[int64]int64)

	tgruntime.WaitRandomTimeMs(ctx, dialogWaitMinMs, dialogWaitMaxMs)

	for {
		resp, err := api.MessagesGetDialogs(ctx, &tg.MessagesGetDialogsRequest{
			OffsetDate: offsetDate,
			OffsetID:   offsetID,
			OffsetPeer: offsetPeer,
			Limit:      dialogPageLimit,
		})
		if err != nil {
			return nil, errors.Wrap(err, "MessagesGetDialogs")
		}

		batch, err := normalizeDialogs(resp)
		if err != nil {
			if errors.Is(err, errDialogsNotModified) {
				return result, nil
			}
			return nil, err
		}

		if len(batch.Dialogs) == 0 {
			break
		}

		result.Dialogs = append(result.Dialogs, batch.Dialogs...)
		result.Messages = append(result.Messages, batch.Messages...)
		result.Chats = append(result.Chats, batch.Chats...)
		result.Users = append(result.Users, batch.Users...)

		collectAccessHashes(batch, userHashes, channelHashes)

		lastDialog := batch.Dialogs[len(batch.Dialogs)-1]
		prevOffsetDate := offsetDate
		prevOffsetID := offsetID

		switch dlg := lastDialog.(type) {
		case *tg.Dialog:
			offsetID = dlg.TopMessage
			offsetDate = messageDate(batch.Messages, dlg.TopMessage)
			offsetPeer = dialogPeerToInput(dlg.Peer, userHashes, channelHashes)
		case *tg.DialogFolder:
			offsetID = dlg.TopMessage
			offsetDate = messageDate(batch.Messages, dlg.TopMessage)
			offsetPeer = dialogPeerToInput(dlg.Peer, userHashes, channelHashes)
		default:
			offsetPeer = &tg.InputPeerEmpty{}
		}

		// Нулевой офсет зациклил бы выгрузку с начала.
		if offsetDate == 0 {
			offsetDate = prevOffsetDate
		}
		if offsetID == 0 {
			offsetID = prevOffsetID
		}
		if offsetPeer == nil {
			offsetPeer = &tg.InputPeerEmpty{}
		}

		if len(batch.Dialogs) < dialogPageLimit {
			break
		}

		tgruntime.WaitRandomTimeMs(ctx, dialogWaitMinMs, dialogWaitMaxMs)
	}

	return result, nil
}

// fetchRecentDialogs забирает одну страницу последних диалогов.
func (b *Bridge) fetchRecentDialogs(ctx context.Context, limit int) (*tg.MessagesDialogs, error) {
	resp, err := b.API().MessagesGetDialogs(ctx, &tg.MessagesGetDialogsRequest{
		OffsetPeer: &tg.InputPeerEmpty{},
		Limit:      limit,
	})
	if err != nil {
		return nil, errors.Wrap(err, "MessagesGetDialogs")
	}
	batch, err := normalizeDialogs(resp)
	if err != nil {
		if errors.Is(err, errDialogsNotModified) {
			return &tg.MessagesDialogs{}, nil
		}
		return nil, err
	}
	return batch, nil
}

// SyncChats лениво регистрирует в реестре группы и супергруппы из выгрузки
// диалогов: чат, созданный в обход шлюза, получает владельцем этот аккаунт.
// Вещательные каналы, покинутые и мигрировавшие группы пропускаются. Ошибки
// записи не прерывают синхронизацию: прогрев важнее отдельной привязки.
// Возвращает число новых привязок.
func (b *Bridge) SyncChats(ctx context.Context, chats []tg.ChatClass) int {
	if b.registrar == nil {
		return 0
	}

	added := 0
	for _, c := range chats {
		var e Entity
		switch chat := c.(type) {
		case *tg.Chat:
			if chat.Left || chat.Deactivated {
				continue
			}
			e = EntityFromChat(chat)
		case *tg.Channel:
			if chat.Left || chat.Broadcast {
				continue
			}
			e = EntityFromChannel(chat)
		default:
			continue
		}
		if e.Title == "" {
			continue
		}

		chatID := strconv.FormatInt(e.CanonicalID(), 10)
		wasAdded, err := b.registrar.AssignIfNotExists(ctx, chatID, b.account, e.Title)
		if err != nil {
			logger.Warnf("Bridge %s: sync chat %s: %v", b.Key(), chatID, err)
			continue
		}
		if wasAdded {
			added++
		}
	}

	if added > 0 {
		detail := fmt.Sprintf("registered %d chats", added)
		if err := b.registrar.LogOperation(ctx, b.account, "", "sync", "ok", detail); err != nil {
			logger.Warnf("Bridge %s: log sync: %v", b.Key(), err)
		}
		logger.Infof("Bridge %s: sync registered %d chats", b.Key(), added)
	}
	return added
}

// applyDialogs раскладывает пользователей и чаты выгрузки в кэш моста и
// персистентное хранилище пиров.
func (b *Bridge) applyDialogs(ctx context.Context, res *tg.MessagesDialogs) {
	for _, u := range res.Users {
		user, ok := u.(*tg.User)
		if !ok {
			continue
		}
		b.cache.Put(EntityFromUser(user))
		b.persistUser(ctx, user)
	}
	for _, c := range res.Chats {
		switch chat := c.(type) {
		case *tg.Chat:
			b.cache.Put(EntityFromChat(chat))
			b.persistChat(ctx, chat)
		case *tg.Channel:
			b.cache.Put(EntityFromChannel(chat))
			b.persistChat(ctx, chat)
		}
	}
}

func (b *Bridge) persistUser(ctx context.Context, u tg.UserClass) {
	var p contribstorage.Peer
	if !p.FromUser(u) {
		return
	}
	if err := b.peers.Add(ctx, p); err != nil {
		logger.Debugf("Bridge %s: persist user %d: %v", b.Key(), u.GetID(), err)
	}
}

// persistChat сохраняет обычную группу или канал: contribstorage различает
// их внутри FromChat сам.
func (b *Bridge) persistChat(ctx context.Context, c tg.ChatClass) {
	var p contribstorage.Peer
	if !p.FromChat(c) {
		return
	}
	if err := b.peers.Add(ctx, p); err != nil {
		logger.Debugf("Bridge %s: persist chat %d: %v", b.Key(), c.GetID(), err)
	}
}

// loadPersistedPeers прогружает сохранённые пиры из bbolt в кэш моста.
// Повреждённые записи не фатальны: bucket пересоздаётся, кэш наполнит
// ближайший прогрев.
func (b *Bridge) loadPersistedPeers(ctx context.Context) error {
	exists := false
	if err := b.peersDB.View(func(tx *bbolt.Tx) error {
		exists = tx.Bucket(peersBucket) != nil
		return nil
	}); err != nil {
		return errors.Wrap(err, "check peers bucket")
	}
	if !exists {
		return nil
	}

	iter, err := b.peers.Iterate(ctx)
	if err != nil {
		if isJSONDecodeError(err) {
			return b.resetPeersBucket()
		}
		return errors.Wrap(err, "iterate peers")
	}
	defer func() {
		_ = iter.Close()
	}()

	loaded := 0
	for iter.Next(ctx) {
		e, ok := entityFromPeer(iter.Value())
		if !ok {
			continue
		}
		b.cache.Put(e)
		loaded++
	}
	if err := iter.Err(); err != nil {
		if isJSONDecodeError(err) {
			return b.resetPeersBucket()
		}
		return errors.Wrap(err, "iterate peers")
	}
	if loaded > 0 {
		logger.Debugf("Bridge %s: %d peers loaded from storage", b.Key(), loaded)
	}
	return nil
}

func (b *Bridge) resetPeersBucket() error {
	return b.peersDB.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(peersBucket); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(peersBucket)
		return err
	})
}

func isJSONDecodeError(err error) bool {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return true
	}
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return true
	}
	return strings.Contains(err.Error(), "json:")
}

func normalizeDialogs(resp tg.MessagesDialogsClass) (*tg.MessagesDialogs, error) {
	switch data := resp.(type) {
	case *tg.MessagesDialogs:
		return data, nil
	case *tg.MessagesDialogsSlice:
		return &tg.MessagesDialogs{
			Dialogs:  data.Dialogs,
			Messages: data.Messages,
			Chats:    data.Chats,
			Users:    data.Users,
		}, nil
	case *tg.MessagesDialogsNotModified:
		return nil, errDialogsNotModified
	default:
		return nil, errors.Errorf("unexpected dialogs response: %T", resp)
	}
}

func collectAccessHashes(batch *tg.MessagesDialogs, userHashes, channelHashes map[int64]int64) {
	for _, entity := range batch.Users {
		if user, ok := entity.(*tg.User); ok {
			userHashes[user.ID] = user.AccessHash
		}
	}
	for _, entity := range batch.Chats {
		if channel, ok := entity.(*tg.Channel); ok {
			channelHashes[channel.ID] = channel.AccessHash
		}
	}
}

func messageDate(messages []tg.MessageClass, id int) int {
	for _, msg := range messages {
		switch item := msg.(type) {
		case *tg.Message:
			if item.ID == id {
				return item.Date
			}
		case *tg.MessageService:
			if item.ID == id {
				return item.Date
			}
		}
	}
	return 0
}

func dialogPeerToInput(peer tg.PeerClass, userHashes, channelHashes map[int64]int64) tg.InputPeerClass {
	switch entity := peer.(type) {
	case *tg.PeerUser:
		return &tg.InputPeerUser{
			UserID:     entity.UserID,
			AccessHash: userHashes[entity.UserID],
		}
	case *tg.PeerChat:
		return &tg.InputPeerChat{ChatID: entity.ChatID}
	case *tg.PeerChannel:
		return &tg.InputPeerChannel{
			ChannelID:  entity.ChannelID,
			AccessHash: channelHashes[entity.ChannelID],
		}
	default:
		return &tg.InputPeerEmpty{}
	}
}
