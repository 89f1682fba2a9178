package bridge

// Резолв сущностей по ссылке с границы HTTP: числовой id в любом написании
// либо username. Дешёвые источники (персистентное хранилище пиров, тёплый
// кэш) идут первыми, затем мини-прогрев с повторным сканом, в конце —
// адресные запросы к API по виду ссылки. Ошибки вида «не найдено» ведут к
// следующему шагу, flood-wait и сетевые сбои прерывают цепочку сразу.

import (
	"context"
	"strconv"
	"strings"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	contribstorage "github.com/gotd/contrib/storage"
	"github.com/gotd/td/telegram/query/dialogs"

	"telegram-gateway/internal/tgutil"
)

// ErrCannotResolve — ссылка не привелась к сущности ни одним из шагов.
var ErrCannotResolve = errors.New("cannot resolve entity")

// errNoMatch — API ответил, но нужной сущности в ответе нет.
var errNoMatch = errors.New("entity not found in response")

type resolveError struct {
	ref       string
	cacheSize int
}

func (e resolveError) Error() string {
	return "cannot resolve entity " + e.ref + " (cache=" + strconv.Itoa(e.cacheSize) + ")"
}

func (e resolveError) Unwrap() error { return ErrCannotResolve }

// StopRetry: повторять резолв бессмысленно, внутри уже были все fallback'и.
func (e resolveError) StopRetry() bool { return true }

// GetEntity резолвит ссылку на сущность: числовую строку в любом написании
// id либо username (с @ или без).
func (b *Bridge) GetEntity(ctx context.Context, ref string) (Entity, error) {
	trimmed := strings.TrimSpace(ref)
	if trimmed == "" {
		return Entity{}, resolveError{ref: ref, cacheSize: b.cache.Size()}
	}
	if !strings.HasPrefix(trimmed, "@") {
		if id, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
			return b.GetEntityByID(ctx, id)
		}
	}
	return b.resolveUsername(ctx, strings.TrimPrefix(trimmed, "@"))
}

// GetEntityByID резолвит числовую ссылку: канонический id, сырой id или
// «-100…»-форму.
func (b *Bridge) GetEntityByID(ctx context.Context, id int64) (Entity, error) {
	if id == 0 {
		return Entity{}, resolveError{ref: "0", cacheSize: b.cache.Size()}
	}

	// Персистентные пиры: пережившие рестарт access_hash.
	if e, ok := b.findPersisted(ctx, id); ok {
		return e, nil
	}

	// Тёплый кэш со всеми написаниями того же сырого id.
	if e, ok := b.cache.Lookup(id); ok {
		return e, nil
	}

	// Мини-прогрев и повторный скан: свежие диалоги могли принести сущность.
	if err := b.MiniRefresh(ctx); err != nil {
		return Entity{}, errors.Wrap(err, "mini refresh")
	}
	if e, ok := b.cache.Lookup(id); ok {
		return e, nil
	}
	if e, ok := b.findPersisted(ctx, id); ok {
		return e, nil
	}

	// Адресный запрос по виду ссылки: обёртка подбирается по знаку и
	// магнитуде числа.
	e, err := b.materializeByID(ctx, id)
	if err == nil {
		return e, nil
	}
	if !isResolveMiss(err) {
		return Entity{}, errors.Wrapf(err, "materialize %d", id)
	}
	return Entity{}, resolveError{ref: strconv.FormatInt(id, 10), cacheSize: b.cache.Size()}
}

func (b *Bridge) resolveUsername(ctx context.Context, username string) (Entity, error) {
	if e, ok := b.cache.LookupUsername(username); ok {
		return e, nil
	}

	e, err := b.resolveUsernameAPI(ctx, username)
	if err == nil {
		return e, nil
	}
	if !isResolveMiss(err) {
		return Entity{}, errors.Wrapf(err, "resolve @%s", username)
	}

	if err := b.MiniRefresh(ctx); err != nil {
		return Entity{}, errors.Wrap(err, "mini refresh")
	}
	if e, ok := b.cache.LookupUsername(username); ok {
		return e, nil
	}

	e, err = b.resolveUsernameAPI(ctx, username)
	if err == nil {
		return e, nil
	}
	if !isResolveMiss(err) {
		return Entity{}, errors.Wrapf(err, "resolve @%s", username)
	}
	return Entity{}, resolveError{ref: "@" + username, cacheSize: b.cache.Size()}
}

// findPersisted ищет пира в bbolt-хранилище. Кандидаты видов выводятся из
// написания id: «-100…» — супергруппа, малое отрицательное — обычная
// группа, положительное — пользователь либо сырой id супергруппы.
func (b *Bridge) findPersisted(ctx context.Context, id int64) (Entity, bool) {
	raw, kind := tgutil.SplitCanonical(id)
	var keys []contribstorage.PeerKey
	switch kind {
	case tgutil.KindChannel:
		keys = []contribstorage.PeerKey{{Kind: dialogs.Channel, ID: raw}}
	case tgutil.KindChat:
		keys = []contribstorage.PeerKey{{Kind: dialogs.Chat, ID: raw}}
	case tgutil.KindUser:
		keys = []contribstorage.PeerKey{
			{Kind: dialogs.User, ID: raw},
			{Kind: dialogs.Channel, ID: raw},
			{Kind: dialogs.Chat, ID: raw},
		}
	default:
		return Entity{}, false
	}

	for _, key := range keys {
		value, err := b.peers.Find(ctx, key)
		if err != nil {
			continue
		}
		if e, ok := entityFromPeer(value); ok {
			b.cache.Put(e)
			return e, true
		}
	}
	return Entity{}, false
}

// materializeByID делает адресный запрос за сущностью без access_hash.
// Для каждого написания пробуется ровно одна обёртка.
func (b *Bridge) materializeByID(ctx context.Context, id int64) (Entity, error) {
	raw, kind := tgutil.SplitCanonical(id)
	switch kind {
	case tgutil.KindChannel:
		return b.materializeChannel(ctx, raw)
	case tgutil.KindChat:
		return b.materializeChat(ctx, raw)
	case tgutil.KindUser:
		return b.materializeUser(ctx, raw)
	default:
		return Entity{}, errNoMatch
	}
}

func (b *Bridge) materializeUser(ctx context.Context, raw int64) (Entity, error) {
	users, err := b.API().UsersGetUsers(ctx, []tg.InputUserClass{
		&tg.InputUser{UserID: raw},
	})
	if err != nil {
		return Entity{}, err
	}
	for _, u := range users {
		user, ok := u.(*tg.User)
		if !ok || user.ID != raw {
			continue
		}
		b.cache.Put(EntityFromUser(user))
		b.persistUser(ctx, user)
		return EntityFromUser(user), nil
	}
	return Entity{}, errNoMatch
}

func (b *Bridge) materializeChat(ctx context.Context, raw int64) (Entity, error) {
	resp, err := b.API().MessagesGetChats(ctx, []int64{raw})
	if err != nil {
		return Entity{}, err
	}
	for _, c := range resp.GetChats() {
		chat, ok := c.(*tg.Chat)
		if !ok || chat.ID != raw {
			continue
		}
		b.cache.Put(EntityFromChat(chat))
		b.persistChat(ctx, chat)
		return EntityFromChat(chat), nil
	}
	return Entity{}, errNoMatch
}

func (b *Bridge) materializeChannel(ctx context.Context, raw int64) (Entity, error) {
	resp, err := b.API().ChannelsGetChannels(ctx, []tg.InputChannelClass{
		&tg.InputChannel{ChannelID: raw},
	})
	if err != nil {
		return Entity{}, err
	}
	for _, c := range resp.GetChats() {
		channel, ok := c.(*tg.Channel)
		if !ok || channel.ID != raw {
			continue
		}
		b.cache.Put(EntityFromChannel(channel))
		b.persistChat(ctx, channel)
		return EntityFromChannel(channel), nil
	}
	return Entity{}, errNoMatch
}

func (b *Bridge) resolveUsernameAPI(ctx context.Context, username string) (Entity, error) {
	resolved, err := b.API().ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{
		Username: username,
	})
	if err != nil {
		return Entity{}, err
	}
	e, ok := entityFromResolved(resolved)
	if !ok {
		return Entity{}, errNoMatch
	}
	b.cache.Put(e)
	switch e.Kind {
	case tgutil.KindUser:
		for _, u := range resolved.Users {
			if user, uok := u.(*tg.User); uok && user.ID == e.ID {
				b.persistUser(ctx, user)
			}
		}
	case tgutil.KindChat, tgutil.KindChannel:
		for _, c := range resolved.Chats {
			switch chat := c.(type) {
			case *tg.Chat:
				if chat.ID == e.ID {
					b.persistChat(ctx, chat)
				}
			case *tg.Channel:
				if chat.ID == e.ID {
					b.persistChat(ctx, chat)
				}
			}
		}
	}
	return e, nil
}

// entityFromResolved выбирает из ответа ContactsResolveUsername сущность,
// на которую указывает поле Peer.
func entityFromResolved(resolved *tg.ContactsResolvedPeer) (Entity, bool) {
	switch peer := resolved.Peer.(type) {
	case *tg.PeerUser:
		for _, u := range resolved.Users {
			if user, ok := u.(*tg.User); ok && user.ID == peer.UserID {
				return EntityFromUser(user), true
			}
		}
	case *tg.PeerChat:
		for _, c := range resolved.Chats {
			if chat, ok := c.(*tg.Chat); ok && chat.ID == peer.ChatID {
				return EntityFromChat(chat), true
			}
		}
	case *tg.PeerChannel:
		for _, c := range resolved.Chats {
			if channel, ok := c.(*tg.Channel); ok && channel.ID == peer.ChannelID {
				return EntityFromChannel(channel), true
			}
		}
	}
	return Entity{}, false
}

// entityFromPeer переводит сохранённого пира в сущность. Для диалогов без
// полной сущности остаются только ключ и access_hash — этого достаточно
// для адресных запросов.
func entityFromPeer(value contribstorage.Peer) (Entity, bool) {
	switch value.Key.Kind {
	case dialogs.User:
		if value.User != nil {
			return EntityFromUser(value.User), true
		}
		return Entity{
			Kind:       tgutil.KindUser,
			ID:         value.Key.ID,
			AccessHash: value.Key.AccessHash,
		}, true
	case dialogs.Chat:
		if value.Chat != nil {
			return EntityFromChat(value.Chat), true
		}
		return Entity{Kind: tgutil.KindChat, ID: value.Key.ID}, true
	case dialogs.Channel:
		if value.Channel != nil {
			return EntityFromChannel(value.Channel), true
		}
		return Entity{
			Kind:       tgutil.KindChannel,
			ID:         value.Key.ID,
			AccessHash: value.Key.AccessHash,
		}, true
	default:
		return Entity{}, false
	}
}

// isResolveMiss отличает «сущность не найдена» от ошибок, после которых
// продолжать цепочку резолва нельзя (flood-wait, сеть, авторизация).
func isResolveMiss(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, errNoMatch) || errors.Is(err, contribstorage.ErrPeerNotFound) {
		return true
	}
	return tgerr.Is(err,
		"USERNAME_NOT_OCCUPIED",
		"USERNAME_INVALID",
		"PEER_ID_INVALID",
		"CHANNEL_INVALID",
		"CHANNEL_PRIVATE",
		"CHAT_ID_INVALID",
		"USER_ID_INVALID",
	)
}
