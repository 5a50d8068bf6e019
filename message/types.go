package message

// Type is the 12-bit message type carried in the head. Ranges partition
// behavior: see IsSequenced.
type Type uint16

const (
	Noop Type = 0

	// control, 1-31
	Ack           Type = 1
	Auth          Type = 2
	Ping          Type = 3
	Pong          Type = 4
	Error         Type = 5
	Echo          Type = 6
	BeOffline     Type = 7
	InternalError Type = 8
	Close         Type = 9

	// point-to-point content, 32-63
	Text  Type = 32
	Image Type = 33
	Audio Type = 34
	Video Type = 35
	File  Type = 36
	Meme  Type = 37

	// edit control, 64-95
	Edit     Type = 64
	Withdraw Type = 65

	// system notifications, 96-127
	SystemNotification Type = 96

	// business messages, 128-159
	AddFriend      Type = 128
	RemoveFriend   Type = 129
	JoinGroup      Type = 130
	LeaveGroup     Type = 131
	SetRelationship Type = 132
	SystemMessage  Type = 133

	// inter-node control, 160+
	NodeRegister   Type = 160
	NodeUnregister Type = 161
	MessageForward Type = 162
)

// IsSequenced reports whether messages of this type are assigned a seqnum
// and persisted. Resolves spec §9 Open Question (a): only [32,96) and
// [128,160) are sequenced; BeOffline and InternalError are control-range
// and therefore never sequenced, regardless of any superficial resemblance
// to content types.
func (t Type) IsSequenced() bool {
	return (t >= 32 && t < 96) || (t >= 128 && t < 160)
}

// IsControl reports whether t is in the 1-31 control range.
func (t Type) IsControl() bool {
	return t >= 1 && t < 32
}

// IsInterNode reports whether t is in the 160+ inter-node control range.
func (t Type) IsInterNode() bool {
	return t >= 160
}

func (t Type) String() string {
	switch t {
	case Noop:
		return "Noop"
	case Ack:
		return "Ack"
	case Auth:
		return "Auth"
	case Ping:
		return "Ping"
	case Pong:
		return "Pong"
	case Error:
		return "Error"
	case Echo:
		return "Echo"
	case BeOffline:
		return "BeOffline"
	case InternalError:
		return "InternalError"
	case Close:
		return "Close"
	case Text:
		return "Text"
	case Image:
		return "Image"
	case Audio:
		return "Audio"
	case Video:
		return "Video"
	case File:
		return "File"
	case Meme:
		return "Meme"
	case Edit:
		return "Edit"
	case Withdraw:
		return "Withdraw"
	case SystemNotification:
		return "SystemNotification"
	case AddFriend:
		return "AddFriend"
	case RemoveFriend:
		return "RemoveFriend"
	case JoinGroup:
		return "JoinGroup"
	case LeaveGroup:
		return "LeaveGroup"
	case SetRelationship:
		return "SetRelationship"
	case SystemMessage:
		return "SystemMessage"
	case NodeRegister:
		return "NodeRegister"
	case NodeUnregister:
		return "NodeUnregister"
	case MessageForward:
		return "MessageForward"
	default:
		return "NA"
	}
}
