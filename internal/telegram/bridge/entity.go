// Package bridge — мост «аккаунт:сервис» поверх одного авторизованного
// MTProto-клиента. Мост владеет клиентом gotd, машиной состояния здоровья,
// тёплым кэшем диалогов с персистентным хранилищем пиров и набором
// телеграм-операций (создание супергрупп, отправка текста и медиа, выход
// из чатов), которые вызывают сервисные обработчики.
package bridge

import (
	"strconv"

	"github.com/gotd/td/tg"

	"telegram-gateway/internal/tgutil"
)

// Entity — разрешённая сущность Telegram: пользователь, обычная группа или
// супергруппа/канал. Хранит access_hash, без которого MTProto не принимает
// адресные запросы, и минимум метаданных для построения текста и отчётов.
type Entity struct {
	Kind       tgutil.PeerKind
	ID         int64 // сырой положительный id
	AccessHash int64
	Username   string
	Title      string
	FirstName  string
	LastName   string
	Bot        bool
	Self       bool
	Broadcast  bool
	Megagroup  bool
}

// EntityFromUser снимает нужные поля с tg.User.
func EntityFromUser(u *tg.User) Entity {
	return Entity{
		Kind:       tgutil.KindUser,
		ID:         u.ID,
		AccessHash: u.AccessHash,
		Username:   u.Username,
		FirstName:  u.FirstName,
		LastName:   u.LastName,
		Bot:        u.Bot,
		Self:       u.Self,
	}
}

// EntityFromChat снимает нужные поля с tg.Chat (обычная группа).
func EntityFromChat(c *tg.Chat) Entity {
	return Entity{
		Kind:  tgutil.KindChat,
		ID:    c.ID,
		Title: c.Title,
	}
}

// EntityFromChannel снимает нужные поля с tg.Channel (супергруппа или канал).
func EntityFromChannel(c *tg.Channel) Entity {
	return Entity{
		Kind:       tgutil.KindChannel,
		ID:         c.ID,
		AccessHash: c.AccessHash,
		Username:   c.Username,
		Title:      c.Title,
		Broadcast:  c.Broadcast,
		Megagroup:  c.Megagroup,
	}
}

// Zero сообщает, что сущность не заполнена.
func (e Entity) Zero() bool { return e.Kind == tgutil.KindUnknown && e.ID == 0 }

// CanonicalID возвращает канонический подписанный id сущности:
// +id для пользователей, −id для обычных групп, «-100…» для супергрупп.
func (e Entity) CanonicalID() int64 {
	switch e.Kind {
	case tgutil.KindUser:
		return e.ID
	case tgutil.KindChat:
		return tgutil.CanonicalChatID(e.ID)
	case tgutil.KindChannel:
		return tgutil.CanonicalChannelID(e.ID)
	default:
		return 0
	}
}

// InputPeer собирает tg.InputPeerClass для адресных запросов.
func (e Entity) InputPeer() tg.InputPeerClass {
	switch e.Kind {
	case tgutil.KindUser:
		return &tg.InputPeerUser{UserID: e.ID, AccessHash: e.AccessHash}
	case tgutil.KindChat:
		return &tg.InputPeerChat{ChatID: e.ID}
	case tgutil.KindChannel:
		return &tg.InputPeerChannel{ChannelID: e.ID, AccessHash: e.AccessHash}
	default:
		return &tg.InputPeerEmpty{}
	}
}

// InputChannel возвращает ссылку на канал; ok=false для прочих видов.
func (e Entity) InputChannel() (*tg.InputChannel, bool) {
	if e.Kind != tgutil.KindChannel {
		return nil, false
	}
	return &tg.InputChannel{ChannelID: e.ID, AccessHash: e.AccessHash}, true
}

// InputUser возвращает ссылку на пользователя; ok=false для прочих видов.
func (e Entity) InputUser() (*tg.InputUser, bool) {
	if e.Kind != tgutil.KindUser {
		return nil, false
	}
	return &tg.InputUser{UserID: e.ID, AccessHash: e.AccessHash}, true
}

// DisplayName строит человекочитаемое имя: «Имя Фамилия», иначе username,
// иначе title, иначе «user».
func (e Entity) DisplayName() string {
	name := e.FirstName
	if e.LastName != "" {
		if name != "" {
			name += " "
		}
		name += e.LastName
	}
	if name != "" {
		return name
	}
	if e.Username != "" {
		return e.Username
	}
	if e.Title != "" {
		return e.Title
	}
	return "user"
}

// Label — краткая подпись сущности для логов: @username либо id.
func (e Entity) Label() string {
	if e.Username != "" {
		return "@" + e.Username
	}
	return strconv.FormatInt(e.ID, 10)
}
