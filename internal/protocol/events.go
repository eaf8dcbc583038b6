// Package protocol defines the relay wire format: frames, event names and typed payloads.
package protocol

// Inbound client events.
const (
	EventJoin       = "join"
	EventIsChatOn   = "is_chat_on"
	EventIsChatOff  = "is_chat_off"
	EventPrivateMsg = "private_message"
	EventGroupMsg   = "group_message"
	EventPageMsg    = "page_message"
	EventTyping     = "typing"
	EventStopTyping = "stop_typing"
	EventPing       = "ping"

	EventCallInitiate    = "call:initiate"
	EventCallAccept      = "call:accept"
	EventCallReject      = "call:reject"
	EventCallEnd         = "call:end"
	EventCallJoinRoom    = "call:join_room"
	EventCallLeaveRoom   = "call:leave_room"
	EventCallToggleMedia = "call:toggle_media"
	EventIceCandidate    = "ice:candidate"

	EventChannelSubscribe    = "channel:subscribe"
	EventChannelUnsubscribe  = "channel:unsubscribe"
	EventChannelNewPost      = "channel:new_post"
	EventChannelPostUpdated  = "channel:post_updated"
	EventChannelPostDeleted  = "channel:post_deleted"
	EventChannelPostReaction = "channel:post_reaction"

	EventStorySubscribe = "story:subscribe"
	EventStoryNew       = "story:new"
	EventStoryView      = "story:view"
	EventStoryReaction  = "story:reaction"

	EventBotAuth          = "bot_auth"
	EventBotMessage       = "bot_message"
	EventBotTyping        = "bot_typing"
	EventCallbackAnswer   = "callback_answer"
	EventUpdateMarkup     = "update_markup"
	EventBotGetUpdates    = "bot_get_updates"
	EventSubscribeBot     = "subscribe_bot"
	EventUnsubscribeBot   = "unsubscribe_bot"
	EventUserToBot        = "user_to_bot"
	EventBotCallbackQuery = "bot_callback_query"
	EventBotPollVote      = "bot_poll_vote"
)

// Outbound relay events.
const (
	EventAck                = "ack"
	EventPong               = "pong"
	EventLastSeen           = "lastseen"
	EventMessagesCount      = "messages_count"
	EventNewMessage         = "new_message"
	EventPrivateMessagePage = "private_message_page"
	EventUserOnline         = "user_online"
	EventUserOffline        = "user_offline"

	EventCallIncoming          = "call:incoming"
	EventCallAccepted          = "call:accepted"
	EventCallRejected          = "call:rejected"
	EventCallEnded             = "call:ended"
	EventCallMissed            = "call:missed"
	EventCallAnsweredElsewhere = "call:answered_elsewhere"
	EventCallParticipantJoined = "call:participant_joined"
	EventCallParticipantLeft   = "call:participant_left"
	EventCallMediaToggled      = "call:media_toggled"
	EventCallError             = "call:error"

	EventStoryViewed = "story:viewed"

	EventBotUpdate     = "bot_update"
	EventCallbackQuery = "callback_query"
	EventMarkupUpdated = "markup_updated"
	EventPollResults   = "poll_results"
)
