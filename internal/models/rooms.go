package models

import "fmt"

func GroupRoom(groupID int) string { return fmt.Sprintf("group:%d", groupID) }

func ChannelRoom(channelID int) string { return fmt.Sprintf("channel:%d", channelID) }

// ChatRoom names the room of a 1:1 pair regardless of argument order.
func ChatRoom(a, b int) string {
	lo, hi := OrderedPair(a, b)
	return fmt.Sprintf("chat:%d:%d", lo, hi)
}

func BotRoom(userID, botID int) string { return fmt.Sprintf("bot:%d:%d", botID, userID) }

func CallRoom(roomName string) string { return "call:" + roomName }

func PollRoom(pollID int) string { return fmt.Sprintf("poll:%d", pollID) }

// StoryRoom is joined by viewers of a user's stories.
func StoryRoom(ownerID int) string { return fmt.Sprintf("story:%d", ownerID) }
