package protocol

// ConnID 连接唯一标识（进程生命周期内单调递增，断开后不复用）
type ConnID uint32

// Vec2 玩家位置，每次更新整体覆盖
type Vec2 struct {
	X float32
	Y float32
}

// 线上类型标签（JSON 的 "type" 字段，二进制编码中映射为 Kind）
const (
	TagPosition     = "Position"
	TagChat         = "ChatMessage"
	TagWelcome      = "Welcome"
	TagPlayerLeft   = "PlayerLeft"
	TagClientJoined = "ClientJoined"
	TagClientLeft   = "ClientLeft"
)

// ClientMessage 客户端 → 服务端消息（封闭的和类型）
type ClientMessage interface {
	clientMessage()
}

// ServerMessage 服务端 → 客户端消息（封闭的和类型）
type ServerMessage interface {
	serverMessage()
}

// Position 客户端上报自身位置（权威）
type Position struct {
	X float32
	Y float32
}

// Chat 客户端发送的聊天文本
type Chat struct {
	Text string
}

func (Position) clientMessage() {}
func (Chat) clientMessage()     {}

// Welcome 分配给新连接的身份
type Welcome struct {
	ID ConnID
}

// PlayerPosition 其他连接的位置（广播或加入时的快照条目）
type PlayerPosition struct {
	ID ConnID
	X  float32
	Y  float32
}

// PlayerLeft 连接离开通知
type PlayerLeft struct {
	ID ConnID
}

// ClientJoined 新连接加入通知
type ClientJoined struct {
	ID ConnID
}

// ClientLeft 与 PlayerLeft 等价的离开通知（较丰富的协议变体使用）
type ClientLeft struct {
	ID ConnID
}

// ChatMessage 服务端转发的聊天
type ChatMessage struct {
	From ConnID
	Text string
}

func (Welcome) serverMessage()        {}
func (PlayerPosition) serverMessage() {}
func (PlayerLeft) serverMessage()     {}
func (ClientJoined) serverMessage()   {}
func (ClientLeft) serverMessage()     {}
func (ChatMessage) serverMessage()    {}

// Pos 返回位置部分
func (p PlayerPosition) Pos() Vec2 { return Vec2{X: p.X, Y: p.Y} }
