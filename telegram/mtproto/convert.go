package mtproto

import (
	"time"

	"github.com/gotd/td/tg"

	"github.com/everydev1618/goskills/telegram"
)

// Converters from gotd wire objects to the runtime's raw types. These
// only reshape data; the telegram package's builders do the real
// normalization.

func peerID(p tg.PeerClass) int64 {
	switch peer := p.(type) {
	case *tg.PeerUser:
		return peer.UserID
	case *tg.PeerChat:
		return peer.ChatID
	case *tg.PeerChannel:
		return peer.ChannelID
	}
	return 0
}

func buildRawUser(u *tg.User) telegram.RawUser {
	username, _ := u.GetUsername()
	phone, _ := u.GetPhone()
	first, _ := u.GetFirstName()
	last, _ := u.GetLastName()
	return telegram.RawUser{
		ID:        u.ID,
		FirstName: first,
		LastName:  last,
		Username:  username,
		Phone:     phone,
		Bot:       u.Bot,
		Self:      u.Self,
		Status:    statusName(u.Status),
	}
}

func statusName(s tg.UserStatusClass) string {
	switch s.(type) {
	case *tg.UserStatusOnline:
		return "online"
	case *tg.UserStatusOffline:
		return "offline"
	case *tg.UserStatusRecently:
		return "recently"
	case *tg.UserStatusLastWeek:
		return "last_week"
	case *tg.UserStatusLastMonth:
		return "last_month"
	}
	return ""
}

func buildRawChatFromClass(cc tg.ChatClass) (telegram.RawChat, bool) {
	switch c := cc.(type) {
	case *tg.Chat:
		return telegram.RawChat{
			ID:                c.ID,
			Type:              telegram.RawChatGroup,
			Title:             c.Title,
			ParticipantsCount: c.ParticipantsCount,
		}, true
	case *tg.Channel:
		chatType := telegram.RawChatChannel
		if c.Megagroup {
			chatType = telegram.RawChatMegagroup
		}
		count := -1
		if n, ok := c.GetParticipantsCount(); ok {
			count = n
		}
		return telegram.RawChat{
			ID:                c.ID,
			Type:              chatType,
			Title:             c.Title,
			ParticipantsCount: count,
		}, true
	}
	return telegram.RawChat{}, false
}

// buildRawChat resolves a dialog peer into a raw chat, synthesizing a
// user-typed chat for DMs.
func buildRawChat(id int64, peer tg.PeerClass, chats map[int64]tg.ChatClass, users map[int64]*tg.User) telegram.RawChat {
	if _, isUser := peer.(*tg.PeerUser); isUser {
		title := ""
		if u := users[id]; u != nil {
			title = buildRawUser(u).FirstName
			if last, ok := u.GetLastName(); ok && last != "" {
				title += " " + last
			}
		}
		return telegram.RawChat{
			ID:                id,
			Type:              telegram.RawChatUser,
			Title:             title,
			ParticipantsCount: -1,
		}
	}
	if cc, ok := chats[id]; ok {
		if rc, ok := buildRawChatFromClass(cc); ok {
			return rc
		}
	}
	return telegram.RawChat{ID: id, Type: telegram.RawChatGroup, ParticipantsCount: -1}
}

func buildRawMessage(m *tg.Message) telegram.RawMessage {
	out := telegram.RawMessage{
		ID:     int64(m.ID),
		ChatID: peerID(m.PeerID),
		Date:   time.Unix(int64(m.Date), 0),
		Text:   m.Message,
		Out:    m.Out,
	}
	if from, ok := m.GetFromID(); ok {
		out.FromID = peerID(from)
	} else if !m.Out {
		// DMs omit from_id; the peer is the sender.
		if _, isUser := m.PeerID.(*tg.PeerUser); isUser {
			out.FromID = out.ChatID
		}
	}
	if _, ok := m.GetEditDate(); ok {
		out.Edited = true
	}
	if reply, ok := m.GetReplyTo(); ok {
		if hdr, ok := reply.(*tg.MessageReplyHeader); ok {
			if id, ok := hdr.GetReplyToMsgID(); ok {
				out.ReplyToID = int64(id)
			}
		}
	}
	if media, ok := m.GetMedia(); ok {
		out.Media = mediaKind(media)
	}
	if reactions, ok := m.GetReactions(); ok {
		for _, rc := range reactions.Results {
			if emoji, ok := rc.Reaction.(*tg.ReactionEmoji); ok {
				out.Reactions = append(out.Reactions, telegram.RawReaction{
					Emoji: emoji.Emoticon,
					Count: rc.Count,
				})
			}
		}
	}
	return out
}

func mediaKind(media tg.MessageMediaClass) string {
	switch m := media.(type) {
	case *tg.MessageMediaPhoto:
		return telegram.MediaPhoto
	case *tg.MessageMediaPoll:
		return telegram.MediaPoll
	case *tg.MessageMediaDocument:
		doc, ok := m.Document.(*tg.Document)
		if !ok {
			return telegram.MediaDocument
		}
		for _, attr := range doc.Attributes {
			switch a := attr.(type) {
			case *tg.DocumentAttributeVideo:
				return telegram.MediaVideo
			case *tg.DocumentAttributeAudio:
				if a.Voice {
					return telegram.MediaVoice
				}
			case *tg.DocumentAttributeSticker:
				return telegram.MediaSticker
			}
		}
		return telegram.MediaDocument
	}
	return "unrecognized"
}
