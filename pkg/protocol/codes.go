package protocol

import "strings"

// Code identifies an internal chat command. Codes travel inside message
// bodies wrapped in a marker pair, e.g. "@@##LOGIN --{...}".
type Code int

const (
	CodeNone Code = iota

	CodeLogin
	CodeIdentification
	CodeIdentificationRequired
	CodeLoginSuccess
	CodeLoginCreated

	CodeLogout
	CodeQuit

	CodeSendToUser
	CodeSendToGroup
	CodeSendToChannel
	CodeSendToAll

	CodeUserListAll
	CodeUserListLogged
	CodeUserListUnLogged

	CodeGroupList
	CodeGroupCreate
	CodeGroupUpdate
	CodeGroupLeave
	CodeGroupDelete

	CodeChannelListAll
	CodeChannelListJoined
	CodeChannelListUnJoined
	CodeChannelCreate
	CodeChannelUpdate
	CodeChannelLeave
	CodeChannelJoin
	CodeChannelDelete

	CodeMessageListSent
	CodeMessageListReceived
	CodeMessageListGroup
	CodeMessageListChannel
	CodeMessageDelete
)

const (
	// CodeMarkerLeft and CodeMarkerRight wrap a code name inside a message
	// body. The pair is part of the wire format and must not change.
	CodeMarkerLeft  = "@@##"
	CodeMarkerRight = " --"

	// CodeScanBound limits how deep CodeIn looks for a marker. Codes are
	// only meaningful near the head of a message; free text later in a
	// long body may coincidentally contain a marker and must not match.
	CodeScanBound = 100
)

// codeNames is in declaration order; CodeScan returns the first match in
// this order, which is a protocol contract.
var codeNames = []string{
	CodeNone:                   "",
	CodeLogin:                  "LOGIN",
	CodeIdentification:         "IDENTIFICATION",
	CodeIdentificationRequired: "IDENTIFICATION_REQUIRED",
	CodeLoginSuccess:           "LOGIN_SUCCESS",
	CodeLoginCreated:           "LOGIN_CREATED",
	CodeLogout:                 "LOGOUT",
	CodeQuit:                   "QUIT",
	CodeSendToUser:             "SEND_TO_USER",
	CodeSendToGroup:            "SEND_TO_GROUP",
	CodeSendToChannel:          "SEND_TO_CHANNEL",
	CodeSendToAll:              "SEND_TO_ALL",
	CodeUserListAll:            "USER_LIST_ALL",
	CodeUserListLogged:         "USER_LIST_LOGGED",
	CodeUserListUnLogged:       "USER_LIST_UN_LOGGED",
	CodeGroupList:              "GROUP_LIST",
	CodeGroupCreate:            "GROUP_CREATE",
	CodeGroupUpdate:            "GROUP_UPDATE",
	CodeGroupLeave:             "GROUP_LEAVE",
	CodeGroupDelete:            "GROUP_DELETE",
	CodeChannelListAll:         "CHANNEL_LIST_ALL",
	CodeChannelListJoined:      "CHANNEL_LIST_JOINED",
	CodeChannelListUnJoined:    "CHANNEL_LIST_UN_JOINED",
	CodeChannelCreate:          "CHANNEL_CREATE",
	CodeChannelUpdate:          "CHANNEL_UPDATE",
	CodeChannelLeave:           "CHANNEL_LEAVE",
	CodeChannelJoin:            "CHANNEL_JOIN",
	CodeChannelDelete:          "CHANNEL_DELETE",
	CodeMessageListSent:        "MESSAGE_LIST_SENT",
	CodeMessageListReceived:    "MESSAGE_LIST_RECEIVED",
	CodeMessageListGroup:       "MESSAGE_LIST_GROUP",
	CodeMessageListChannel:     "MESSAGE_LIST_CHANNEL",
	CodeMessageDelete:          "MESSAGE_DELETE",
}

func (c Code) String() string {
	if !c.Valid() {
		return "UNKNOWN"
	}
	return codeNames[c]
}

// Valid reports whether c is a member of the code enumeration.
func (c Code) Valid() bool {
	return c > CodeNone && int(c) < len(codeNames)
}

// fullCode returns the marker-wrapped form of a code name.
func fullCode(c Code) string {
	return CodeMarkerLeft + codeNames[c] + CodeMarkerRight
}

// MakeMessage prepends the marker pair for code to body.
func MakeMessage(c Code, body string) string {
	if !c.Valid() {
		return body
	}
	return fullCode(c) + body
}

// GetMessage strips exactly one leading marker pair for code from
// message. The second return value is false when message does not start
// with that code's marker.
func GetMessage(c Code, message string) (string, bool) {
	if !c.Valid() {
		return "", false
	}
	marker := fullCode(c)
	if !strings.HasPrefix(message, marker) {
		return "", false
	}
	return message[len(marker):], true
}

// CodeIn reports whether the marker pair for code appears within the
// first CodeScanBound bytes of message. A marker embedded deeper in the
// body is user text, not a command.
func CodeIn(c Code, message string) bool {
	if !c.Valid() {
		return false
	}
	head := message
	if len(head) > CodeScanBound {
		head = head[:CodeScanBound]
	}
	return strings.Contains(head, fullCode(c))
}

// CodeScan returns the first code, in declaration order, whose marker is
// found in the head of message. Returns CodeNone when nothing matches.
func CodeScan(message string) Code {
	for c := CodeLogin; int(c) < len(codeNames); c++ {
		if CodeIn(c, message) {
			return c
		}
	}
	return CodeNone
}
