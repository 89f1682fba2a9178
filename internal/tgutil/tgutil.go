// Package tgutil — арифметика идентификаторов Telegram-пиров.
// Канонический вид совпадает с Bot API: пользователи — положительный id,
// обычные группы — отрицательный, супергруппы/каналы — «-100…»-форма
// (−1_000_000_000_000 − raw).
package tgutil

import (
	"strconv"
	"strings"

	"github.com/gotd/td/tg"
)

// superOffset — смещение канонической формы супергрупп/каналов.
const superOffset int64 = -1_000_000_000_000

// PeerKind различает три пространства идентификаторов.
type PeerKind int

const (
	KindUnknown PeerKind = iota
	KindUser
	KindChat
	KindChannel
)

// GetPeerID нормализует peer до его сырого числового идентификатора.
// Возвращает 0 для неизвестного типа peer.
func GetPeerID(peer tg.PeerClass) int64 {
	switch p := peer.(type) {
	case *tg.PeerUser:
		return p.UserID
	case *tg.PeerChat:
		return p.ChatID
	case *tg.PeerChannel:
		return p.ChannelID
	default:
		return 0
	}
}

// CanonicalPeerID переводит peer в каноническую подписанную форму.
func CanonicalPeerID(peer tg.PeerClass) int64 {
	switch p := peer.(type) {
	case *tg.PeerUser:
		return p.UserID
	case *tg.PeerChat:
		return -p.ChatID
	case *tg.PeerChannel:
		return superOffset - p.ChannelID
	default:
		return 0
	}
}

// CanonicalChannelID возвращает «-100…»-форму для сырого id супергруппы/канала.
func CanonicalChannelID(raw int64) int64 { return superOffset - raw }

// CanonicalChatID возвращает каноническую форму для сырого id обычной группы.
func CanonicalChatID(raw int64) int64 { return -raw }

// SplitCanonical разбирает канонический id обратно на (raw, kind).
// Ноль даёт KindUnknown.
func SplitCanonical(id int64) (int64, PeerKind) {
	switch {
	case id < superOffset:
		return superOffset - id, KindChannel
	case id < 0:
		return -id, KindChat
	case id > 0:
		return id, KindUser
	default:
		return 0, KindUnknown
	}
}

// NormalizeChatID приводит числовую ссылку на чат к канонической форме границы
// HTTP: положительное число трактуется как сырой id супергруппы, отрицательное
// уже канонично и не меняется.
func NormalizeChatID(v int64) int64 {
	if v > 0 {
		return CanonicalChannelID(v)
	}
	return v
}

// NormalizeChatRef разбирает строковую ссылку на чат с границы HTTP.
// Числовые строки (в том числе со знаком) превращаются в канонический id,
// всё прочее возвращается как username без ведущего @.
func NormalizeChatRef(s string) (id int64, username string, isID bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, "", false
	}
	if strings.HasPrefix(s, "@") {
		return 0, strings.TrimPrefix(s, "@"), false
	}
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return NormalizeChatID(v), "", true
	}
	return 0, s, false
}
