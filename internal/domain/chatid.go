package domain

import "strings"

// ChatMatcher сравнивает идентификатор чата из апдейта с идентификатором
// канала. Стратегия инъецируется: форматы идентификаторов групп и каналов
// у провайдера различаются ведущим знаком.
type ChatMatcher func(updateChatID, channelChatID string) bool

// StrictMatch требует побайтового совпадения идентификаторов.
func StrictMatch(updateChatID, channelChatID string) bool {
	return updateChatID == channelChatID
}

// SignlessMatch дополнительно допускает расхождение в ведущем знаке:
// "-1001234" и "1001234" считаются одним чатом.
func SignlessMatch(updateChatID, channelChatID string) bool {
	if updateChatID == channelChatID {
		return true
	}
	return trimSign(updateChatID) == trimSign(channelChatID)
}

func trimSign(id string) string {
	return strings.TrimLeft(id, "-+")
}
