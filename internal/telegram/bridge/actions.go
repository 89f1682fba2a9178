package bridge

// Телеграм-операции моста, которые дергают сервисные обработчики: создание
// супергрупп, приглашения и права, отправка текста и медиа, кики и выход.
// Каждая операция — тонкая обёртка над raw-API либо билдером сообщений;
// повторы и реконнекты остаются на совести вызывающего (Invoke).

import (
	"context"
	"net/url"
	"strings"

	"github.com/go-faster/errors"
	"github.com/gotd/td/telegram/message"
	"github.com/gotd/td/telegram/message/html"
	"github.com/gotd/td/telegram/message/styling"
	"github.com/gotd/td/telegram/uploader"
	"github.com/gotd/td/tg"

	"telegram-gateway/internal/infra/logger"
	"telegram-gateway/internal/tgutil"
)

const (
	// adminRank — подпись администратора, которую получают повышенные боты.
	adminRank = "Admin Bot"

	// participantLimit — потолок одной выгрузки участников.
	participantLimit = 200
)

// ErrNoCreatedChannel — ответ CreateChannel не содержит созданной мегагруппы.
// Повтор на другом аккаунте не делается: состояние на стороне Telegram
// неизвестно и параллельный повтор мог бы породить дубль группы.
var ErrNoCreatedChannel = errors.New("cannot determine created supergroup")

// === Управление супергруппой =================================================

// CreateSupergroup создаёт мегагруппу с заданным заголовком и пустым
// описанием, кладёт её в кэш и возвращает сущность канала.
func (b *Bridge) CreateSupergroup(ctx context.Context, title string) (Entity, error) {
	upd, err := b.API().ChannelsCreateChannel(ctx, &tg.ChannelsCreateChannelRequest{
		Megagroup: true,
		Title:     title,
	})
	if err != nil {
		return Entity{}, errors.Wrap(err, "ChannelsCreateChannel")
	}
	for _, c := range chatsFromUpdates(upd) {
		channel, ok := c.(*tg.Channel)
		if !ok || !channel.Megagroup {
			continue
		}
		e := EntityFromChannel(channel)
		b.cache.Put(e)
		b.persistChat(ctx, channel)
		return e, nil
	}
	return Entity{}, ErrNoCreatedChannel
}

// ToggleHistory управляет видимостью предыстории для новых участников.
func (b *Bridge) ToggleHistory(ctx context.Context, channel Entity, visible bool) error {
	ic, ok := channel.InputChannel()
	if !ok {
		return errors.Errorf("toggle history: %s is not a channel", channel.Label())
	}
	_, err := b.API().ChannelsTogglePreHistoryHidden(ctx, &tg.ChannelsTogglePreHistoryHiddenRequest{
		Channel: ic,
		Enabled: !visible,
	})
	if err != nil {
		return errors.Wrap(err, "ChannelsTogglePreHistoryHidden")
	}
	return nil
}

// InviteUsers приглашает пользователей одним батчем. Те, кого пригласить
// не удалось, логируются и не валят операцию целиком.
func (b *Bridge) InviteUsers(ctx context.Context, channel Entity, users []Entity) error {
	ic, ok := channel.InputChannel()
	if !ok {
		return errors.Errorf("invite: %s is not a channel", channel.Label())
	}
	batch := make([]tg.InputUserClass, 0, len(users))
	for _, u := range users {
		if iu, uok := u.InputUser(); uok {
			batch = append(batch, iu)
		}
	}
	if len(batch) == 0 {
		return nil
	}
	res, err := b.API().ChannelsInviteToChannel(ctx, &tg.ChannelsInviteToChannelRequest{
		Channel: ic,
		Users:   batch,
	})
	if err != nil {
		return errors.Wrap(err, "ChannelsInviteToChannel")
	}
	for _, missing := range res.MissingInvitees {
		logger.Warnf("Bridge %s: user %d was not invited to %s", b.Key(), missing.UserID, channel.Label())
	}
	return nil
}

// adminRightsVariants — супернабор прав и убывающие fallback-наборы на
// случай, когда сервер отклоняет отдельные флаги.
func adminRightsVariants() []tg.ChatAdminRights {
	full := tg.ChatAdminRights{
		ChangeInfo:     true,
		PostMessages:   true,
		EditMessages:   true,
		DeleteMessages: true,
		BanUsers:       true,
		InviteUsers:    true,
		PinMessages:    true,
		AddAdmins:      true,
		ManageCall:     true,
		ManageTopics:   true,
		PostStories:    true,
		EditStories:    true,
		DeleteStories:  true,
	}
	noStories := full
	noStories.PostStories = false
	noStories.EditStories = false
	noStories.DeleteStories = false

	noTopics := noStories
	noTopics.ManageTopics = false

	minimal := tg.ChatAdminRights{
		ChangeInfo:     true,
		DeleteMessages: true,
		BanUsers:       true,
		InviteUsers:    true,
		PinMessages:    true,
		AddAdmins:      true,
		ManageCall:     true,
	}
	return []tg.ChatAdminRights{full, noStories, noTopics, minimal}
}

// PromoteBotAdmin повышает бота до администратора с рангом adminRank.
// Пробует максимальный набор прав, при отказе деградирует к меньшим.
func (b *Bridge) PromoteBotAdmin(ctx context.Context, channel, bot Entity) error {
	ic, ok := channel.InputChannel()
	if !ok {
		return errors.Errorf("promote: %s is not a channel", channel.Label())
	}
	iu, ok := bot.InputUser()
	if !ok {
		return errors.Errorf("promote: %s is not a user", bot.Label())
	}
	var lastErr error
	for _, rights := range adminRightsVariants() {
		_, err := b.API().ChannelsEditAdmin(ctx, &tg.ChannelsEditAdminRequest{
			Channel:     ic,
			UserID:      iu,
			AdminRights: rights,
			Rank:        adminRank,
		})
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return errors.Wrap(lastErr, "ChannelsEditAdmin")
}

// ExportInviteLink выпускает постоянную инвайт-ссылку чата.
func (b *Bridge) ExportInviteLink(ctx context.Context, channel Entity) (string, error) {
	resp, err := b.API().MessagesExportChatInvite(ctx, &tg.MessagesExportChatInviteRequest{
		Peer: channel.InputPeer(),
	})
	if err != nil {
		return "", errors.Wrap(err, "MessagesExportChatInvite")
	}
	invite, ok := resp.(*tg.ChatInviteExported)
	if !ok {
		return "", errors.Errorf("unexpected invite response: %T", resp)
	}
	return invite.Link, nil
}

// Participants возвращает до participantLimit последних участников
// супергруппы. Каждый попутно попадает в кэш: access_hash понадобятся
// для упоминаний и киков.
func (b *Bridge) Participants(ctx context.Context, channel Entity) ([]Entity, error) {
	ic, ok := channel.InputChannel()
	if !ok {
		return nil, errors.Errorf("participants: %s is not a channel", channel.Label())
	}
	resp, err := b.API().ChannelsGetParticipants(ctx, &tg.ChannelsGetParticipantsRequest{
		Channel: ic,
		Filter:  &tg.ChannelParticipantsRecent{},
		Limit:   participantLimit,
	})
	if err != nil {
		return nil, errors.Wrap(err, "ChannelsGetParticipants")
	}
	parts, ok := resp.(*tg.ChannelsChannelParticipants)
	if !ok {
		return nil, nil
	}
	out := make([]Entity, 0, len(parts.Users))
	for _, u := range parts.Users {
		user, uok := u.(*tg.User)
		if !uok {
			continue
		}
		e := EntityFromUser(user)
		b.cache.Put(e)
		b.persistUser(ctx, user)
		out = append(out, e)
	}
	return out, nil
}

// KickParticipant выгоняет участника: запрет view_messages без срока.
func (b *Bridge) KickParticipant(ctx context.Context, channel, user Entity) error {
	ic, ok := channel.InputChannel()
	if !ok {
		return errors.Errorf("kick: %s is not a channel", channel.Label())
	}
	_, err := b.API().ChannelsEditBanned(ctx, &tg.ChannelsEditBannedRequest{
		Channel:     ic,
		Participant: user.InputPeer(),
		BannedRights: tg.ChatBannedRights{
			ViewMessages: true,
			UntilDate:    0,
		},
	})
	if err != nil {
		return errors.Wrapf(err, "kick user %d", user.ID)
	}
	return nil
}

// LeaveChannel выходит из супергруппы/канала.
func (b *Bridge) LeaveChannel(ctx context.Context, channel Entity) error {
	ic, ok := channel.InputChannel()
	if !ok {
		return errors.Errorf("leave: %s is not a channel", channel.Label())
	}
	if _, err := b.API().ChannelsLeaveChannel(ctx, ic); err != nil {
		return errors.Wrap(err, "ChannelsLeaveChannel")
	}
	return nil
}

// LeaveBasicChat выходит из обычной группы удалением самого себя.
func (b *Bridge) LeaveBasicChat(ctx context.Context, chat Entity) error {
	if chat.Kind != tgutil.KindChat {
		return errors.Errorf("leave basic: %s is not a basic chat", chat.Label())
	}
	_, err := b.API().MessagesDeleteChatUser(ctx, &tg.MessagesDeleteChatUserRequest{
		ChatID: chat.ID,
		UserID: &tg.InputUserSelf{},
	})
	if err != nil {
		return errors.Wrap(err, "MessagesDeleteChatUser")
	}
	return nil
}

// === Отправка текста =========================================================

// TextMessage — параметры отправки текста.
type TextMessage struct {
	Text           string
	ParseMode      string // "html" либо простой текст
	DisablePreview bool
	ReplyTo        int
}

// SendText отправляет текст адресату и возвращает id сообщения.
func (b *Bridge) SendText(ctx context.Context, to Entity, msg TextMessage) (int, error) {
	builder := message.NewSender(b.API()).To(to.InputPeer())
	if msg.DisablePreview {
		builder.NoWebpage()
	}
	if msg.ReplyTo != 0 {
		builder.Reply(msg.ReplyTo)
	}
	upd, err := builder.StyledText(ctx, b.styledText(msg.ParseMode, msg.Text))
	if err != nil {
		return 0, errors.Wrap(err, "send message")
	}
	ids := sentMessageIDs(upd)
	if len(ids) == 0 {
		return 0, nil
	}
	return ids[0], nil
}

// styledText выбирает разметку по parse_mode: html раскладывается парсером
// библиотеки в entity-язык Telegram, всё прочее уходит простым текстом.
func (b *Bridge) styledText(parseMode, text string) styling.StyledTextOption {
	if strings.EqualFold(parseMode, "html") {
		return html.String(b.userResolver(), text)
	}
	return styling.Plain(text)
}

// userResolver отдаёт InputUser для «tg://user?id=…»-упоминаний из кэша
// моста. Упоминаемый клиент к этому моменту уже отрезолвлен сервисом.
func (b *Bridge) userResolver() func(id int64) (tg.InputUserClass, error) {
	return func(id int64) (tg.InputUserClass, error) {
		if e, ok := b.cache.Lookup(id); ok {
			if iu, uok := e.InputUser(); uok {
				return iu, nil
			}
		}
		return nil, errors.Errorf("user %d is not in dialog cache", id)
	}
}

// === Отправка медиа ==========================================================

// MediaItem — нормализованный элемент send_media: внешний URL, локальный
// путь либо пост t.me, плюс подсказки отправки.
type MediaItem struct {
	Ref               string // URL или локальный путь; пусто для поста
	PostChannel       string // непустой: медиа берётся из поста t.me
	PostMsgID         int
	Filename          string
	ForceDocument     bool
	SupportsStreaming bool
}

// preparedMedia — собранный вариант отправки элемента. single заполнен
// всегда, album — только для тех видов, которые Telegram группирует.
type preparedMedia struct {
	single message.MediaOption
	album  message.MultiMediaOption
}

// SendFile отправляет один медиа-элемент с подписью.
func (b *Bridge) SendFile(ctx context.Context, to Entity, item MediaItem, caption TextMessage) ([]int, error) {
	prepared, err := b.prepareMedia(ctx, item, b.captionOpts(caption)...)
	if err != nil {
		return nil, err
	}
	upd, err := message.NewSender(b.API()).To(to.InputPeer()).Media(ctx, prepared.single)
	if err != nil {
		return nil, errors.Wrap(err, "send media")
	}
	return sentMessageIDs(upd), nil
}

// SendAlbum отправляет набор элементов: группируемые уходят одним альбомом
// (подпись достаётся первому элементу), остальные — отдельными сообщениями
// следом.
func (b *Bridge) SendAlbum(ctx context.Context, to Entity, items []MediaItem, caption TextMessage) ([]int, error) {
	captionOpts := b.captionOpts(caption)

	var album []message.MultiMediaOption
	var singles []message.MediaOption
	for i, item := range items {
		opts := captionOpts
		if i > 0 {
			opts = nil
		}
		prepared, err := b.prepareMedia(ctx, item, opts...)
		if err != nil {
			return nil, err
		}
		if prepared.album != nil {
			album = append(album, prepared.album)
			continue
		}
		singles = append(singles, prepared.single)
	}

	sender := message.NewSender(b.API())
	var ids []int
	switch {
	case len(album) == 1:
		upd, err := sender.To(to.InputPeer()).Media(ctx, album[0])
		if err != nil {
			return ids, errors.Wrap(err, "send media")
		}
		ids = append(ids, sentMessageIDs(upd)...)
	case len(album) > 1:
		upd, err := sender.To(to.InputPeer()).Album(ctx, album[0], album[1:]...)
		if err != nil {
			return ids, errors.Wrap(err, "send album")
		}
		ids = append(ids, sentMessageIDs(upd)...)
	}
	for _, single := range singles {
		upd, err := sender.To(to.InputPeer()).Media(ctx, single)
		if err != nil {
			return ids, errors.Wrap(err, "send media")
		}
		ids = append(ids, sentMessageIDs(upd)...)
	}
	return ids, nil
}

func (b *Bridge) captionOpts(caption TextMessage) []styling.StyledTextOption {
	if caption.Text == "" {
		return nil
	}
	return []styling.StyledTextOption{b.styledText(caption.ParseMode, caption.Text)}
}

// prepareMedia собирает вариант отправки: пост t.me пересылается без
// повторной загрузки, URL и локальные файлы загружаются, фото и видео
// распознаются по расширению.
func (b *Bridge) prepareMedia(ctx context.Context, item MediaItem, caption ...styling.StyledTextOption) (preparedMedia, error) {
	if item.PostChannel != "" {
		media, err := b.FetchPostMedia(ctx, item.PostChannel, item.PostMsgID)
		if err != nil {
			return preparedMedia{}, err
		}
		input, err := postMediaToInput(media)
		if err != nil {
			return preparedMedia{}, err
		}
		return preparedMedia{single: message.Media(input, caption...)}, nil
	}

	upload, err := b.uploadRef(ctx, item.Ref)
	if err != nil {
		return preparedMedia{}, err
	}

	hint := item.Filename
	if hint == "" {
		hint = item.Ref
	}
	if looksLikeImage(hint) && !item.ForceDocument {
		photo := message.UploadedPhoto(upload, caption...)
		return preparedMedia{single: photo, album: photo}, nil
	}

	doc := message.UploadedDocument(upload, caption...)
	if item.Filename != "" {
		doc.Filename(item.Filename)
	}
	if item.ForceDocument {
		doc.ForceFile(true)
		return preparedMedia{single: doc, album: doc}, nil
	}
	if LooksLikeVideo(hint) {
		video := doc.Video()
		if item.SupportsStreaming {
			video.SupportsStreaming()
		}
		return preparedMedia{single: video, album: video}, nil
	}
	return preparedMedia{single: doc, album: doc}, nil
}

// uploadRef загружает содержимое ссылки: http(s)-URL скачивается
// загрузчиком, всё остальное трактуется как локальный путь.
func (b *Bridge) uploadRef(ctx context.Context, ref string) (tg.InputFileClass, error) {
	up := uploader.NewUploader(b.API())
	if isHTTPURL(ref) {
		f, err := up.FromURL(ctx, ref)
		if err != nil {
			return nil, errors.Wrapf(err, "upload url %q", ref)
		}
		return f, nil
	}
	f, err := up.FromPath(ctx, ref)
	if err != nil {
		return nil, errors.Wrapf(err, "upload file %q", ref)
	}
	return f, nil
}

// FetchPostMedia достаёт media из поста t.me/<канал>/<id>, чтобы переслать
// файл без повторной загрузки.
func (b *Bridge) FetchPostMedia(ctx context.Context, channelRef string, msgID int) (tg.MessageMediaClass, error) {
	ent, err := b.GetEntity(ctx, channelRef)
	if err != nil {
		return nil, err
	}
	ic, ok := ent.InputChannel()
	if !ok {
		return nil, errors.Errorf("post source %s is not a channel", ent.Label())
	}
	resp, err := b.API().ChannelsGetMessages(ctx, &tg.ChannelsGetMessagesRequest{
		Channel: ic,
		ID:      []tg.InputMessageClass{&tg.InputMessageID{ID: msgID}},
	})
	if err != nil {
		return nil, errors.Wrap(err, "ChannelsGetMessages")
	}

	var messages []tg.MessageClass
	switch r := resp.(type) {
	case *tg.MessagesMessages:
		messages = r.Messages
	case *tg.MessagesMessagesSlice:
		messages = r.Messages
	case *tg.MessagesChannelMessages:
		messages = r.Messages
	default:
		return nil, errors.Errorf("unexpected messages response: %T", resp)
	}
	for _, m := range messages {
		msg, mok := m.(*tg.Message)
		if !mok || msg.ID != msgID {
			continue
		}
		media, mediaOK := msg.GetMedia()
		if !mediaOK {
			return nil, errors.New("post has no media")
		}
		return media, nil
	}
	return nil, errors.New("post not found")
}

// postMediaToInput переводит media поста в input-форму для пересылки.
func postMediaToInput(media tg.MessageMediaClass) (tg.InputMediaClass, error) {
	switch m := media.(type) {
	case *tg.MessageMediaPhoto:
		p, ok := m.GetPhoto()
		if !ok {
			return nil, errors.New("post photo is empty")
		}
		photo, ok := p.(*tg.Photo)
		if !ok {
			return nil, errors.Errorf("unexpected photo type %T", p)
		}
		return &tg.InputMediaPhoto{
			ID: &tg.InputPhoto{
				ID:            photo.ID,
				AccessHash:    photo.AccessHash,
				FileReference: photo.FileReference,
			},
		}, nil
	case *tg.MessageMediaDocument:
		d, ok := m.GetDocument()
		if !ok {
			return nil, errors.New("post document is empty")
		}
		doc, ok := d.(*tg.Document)
		if !ok {
			return nil, errors.Errorf("unexpected document type %T", d)
		}
		return &tg.InputMediaDocument{
			ID: &tg.InputDocument{
				ID:            doc.ID,
				AccessHash:    doc.AccessHash,
				FileReference: doc.FileReference,
			},
		}, nil
	default:
		return nil, errors.Errorf("unsupported post media %T", media)
	}
}

// === Вспомогательное =========================================================

var (
	imageSuffixes = []string{".jpg", ".jpeg", ".png", ".gif", ".webp"}
	videoSuffixes = []string{".mp4", ".mov", ".m4v", ".webm", ".mkv"}
)

// looksLikeImage: граница совпадает с выбором sendPhoto у бот-фоллбэка.
func looksLikeImage(hint string) bool {
	v := strings.ToLower(hint)
	if strings.HasPrefix(v, "image/") {
		return true
	}
	for _, suffix := range imageSuffixes {
		if strings.HasSuffix(v, suffix) {
			return true
		}
	}
	return false
}

// LooksLikeVideo сообщает, похожа ли ссылка или имя файла на видео:
// по MIME-префиксу либо расширению.
func LooksLikeVideo(hint string) bool {
	v := strings.ToLower(hint)
	if strings.HasPrefix(v, "video/") {
		return true
	}
	for _, suffix := range videoSuffixes {
		if strings.HasSuffix(v, suffix) {
			return true
		}
	}
	return false
}

func isHTTPURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

// sentMessageIDs достаёт id отправленных сообщений из ответа сервера.
func sentMessageIDs(updates tg.UpdatesClass) []int {
	switch u := updates.(type) {
	case *tg.UpdateShortSentMessage:
		return []int{u.ID}
	case *tg.Updates:
		return collectMessageIDs(u.Updates)
	case *tg.UpdatesCombined:
		return collectMessageIDs(u.Updates)
	default:
		return nil
	}
}

func collectMessageIDs(updates []tg.UpdateClass) []int {
	var ids []int
	for _, upd := range updates {
		if u, ok := upd.(*tg.UpdateMessageID); ok {
			ids = append(ids, u.ID)
		}
	}
	if len(ids) > 0 {
		return ids
	}
	for _, upd := range updates {
		switch u := upd.(type) {
		case *tg.UpdateNewMessage:
			if m, ok := u.Message.(*tg.Message); ok {
				ids = append(ids, m.ID)
			}
		case *tg.UpdateNewChannelMessage:
			if m, ok := u.Message.(*tg.Message); ok {
				ids = append(ids, m.ID)
			}
		}
	}
	return ids
}

func chatsFromUpdates(updates tg.UpdatesClass) []tg.ChatClass {
	switch u := updates.(type) {
	case *tg.Updates:
		return u.Chats
	case *tg.UpdatesCombined:
		return u.Chats
	default:
		return nil
	}
}
