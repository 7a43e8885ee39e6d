package registry

// Inter-service pub-sub topics. Every payload carries a senderInstance
// field; receivers drop loopbacks.
const (
	TopicMessages  = "chat:messages"
	TopicPresence  = "chat:presence"
	TopicTyping    = "chat:typing"
	TopicRooms     = "chat:rooms"
	TopicDelivery  = "chat:delivery"
	TopicSignaling = "webrtc:signaling"
	TopicIce       = "webrtc:ice"
	TopicMedia     = "webrtc:media"
)

// FanoutTopic is the per-room cross-instance delivery topic.
func FanoutTopic(room string) string { return "fanout:" + room }

// CollaborationTopic carries shared-editor events for a mentorship session.
func CollaborationTopic(sessionID string) string { return "collaboration:" + sessionID }

// WhiteboardTopic carries whiteboard strokes for one board.
func WhiteboardTopic(whiteboardID string) string { return "whiteboard:" + whiteboardID }
