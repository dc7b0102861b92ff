// Package wire holds the SSH message numbers and message layouts shared by
// the transport, auth and channel packages. Encoding is done with
// golang.org/x/crypto/ssh Marshal/Unmarshal, driven by struct tags.
package wire

import (
	"fmt"

	"golang.org/x/crypto/ssh"
)

// Message numbers, RFC 4250 section 4.1.
const (
	MsgDisconnect     = 1
	MsgIgnore         = 2
	MsgUnimplemented  = 3
	MsgDebug          = 4
	MsgServiceRequest = 5
	MsgServiceAccept  = 6
	MsgExtInfo        = 7

	MsgKexInit      = 20
	MsgNewKeys      = 21
	MsgKexECDHInit  = 30
	MsgKexECDHReply = 31

	MsgUserAuthRequest      = 50
	MsgUserAuthFailure      = 51
	MsgUserAuthSuccess      = 52
	MsgUserAuthBanner       = 53
	MsgUserAuthPubKeyOk     = 60
	MsgUserAuthInfoRequest  = 60
	MsgUserAuthInfoResponse = 61

	MsgGlobalRequest  = 80
	MsgRequestSuccess = 81
	MsgRequestFailure = 82

	MsgChannelOpen         = 90
	MsgChannelOpenConfirm  = 91
	MsgChannelOpenFailure  = 92
	MsgChannelWindowAdjust = 93
	MsgChannelData         = 94
	MsgChannelExtendedData = 95
	MsgChannelEOF          = 96
	MsgChannelClose        = 97
	MsgChannelRequest      = 98
	MsgChannelSuccess      = 99
	MsgChannelFailure      = 100
)

// Disconnect reason codes, RFC 4253 section 11.1.
const (
	DisconnectProtocolError    = 2
	DisconnectKeyExchangeFail  = 3
	DisconnectMACError         = 5
	DisconnectByApplication    = 11
	DisconnectNoMoreAuthMethod = 14
)

type DisconnectMsg struct {
	Reason   uint32 `sshtype:"1"`
	Message  string
	Language string
}

type UnimplementedMsg struct {
	SeqNum uint32 `sshtype:"3"`
}

type DebugMsg struct {
	AlwaysDisplay bool `sshtype:"4"`
	Message       string
	Language      string
}

type ServiceRequestMsg struct {
	Service string `sshtype:"5"`
}

type ServiceAcceptMsg struct {
	Service string `sshtype:"6"`
}

type KexInitMsg struct {
	Cookie                  [16]byte `sshtype:"20"`
	KexAlgos                []string
	ServerHostKeyAlgos      []string
	CiphersClientServer     []string
	CiphersServerClient     []string
	MACsClientServer        []string
	MACsServerClient        []string
	CompressionClientServer []string
	CompressionServerClient []string
	LanguagesClientServer   []string
	LanguagesServerClient   []string
	FirstKexFollows         bool
	Reserved                uint32
}

type KexECDHInitMsg struct {
	ClientPubKey []byte `sshtype:"30"`
}

type KexECDHReplyMsg struct {
	HostKey         []byte `sshtype:"31"`
	EphemeralPubKey []byte
	Signature       []byte
}

type UserAuthRequestMsg struct {
	User    string `sshtype:"50"`
	Service string
	Method  string
	Payload []byte `ssh:"rest"`
}

type UserAuthFailureMsg struct {
	Methods        []string `sshtype:"51"`
	PartialSuccess bool
}

type UserAuthBannerMsg struct {
	Message  string `sshtype:"53"`
	Language string
}

type UserAuthPubKeyOkMsg struct {
	Algo   string `sshtype:"60"`
	PubKey []byte
}

type UserAuthInfoRequestMsg struct {
	Name        string `sshtype:"60"`
	Instruction string
	Language    string
	NumPrompts  uint32
	Prompts     []byte `ssh:"rest"`
}

type GlobalRequestMsg struct {
	Type      string `sshtype:"80"`
	WantReply bool
	Data      []byte `ssh:"rest"`
}

type ChannelOpenMsg struct {
	ChanType         string `sshtype:"90"`
	PeersID          uint32
	PeersWindow      uint32
	MaxPacketSize    uint32
	TypeSpecificData []byte `ssh:"rest"`
}

type ChannelOpenConfirmMsg struct {
	PeersID          uint32 `sshtype:"91"`
	MyID             uint32
	MyWindow         uint32
	MaxPacketSize    uint32
	TypeSpecificData []byte `ssh:"rest"`
}

type ChannelOpenFailureMsg struct {
	PeersID  uint32 `sshtype:"92"`
	Reason   uint32
	Message  string
	Language string
}

type WindowAdjustMsg struct {
	PeersID         uint32 `sshtype:"93"`
	AdditionalBytes uint32
}

type ChannelDataMsg struct {
	PeersID uint32 `sshtype:"94"`
	Data    []byte
}

type ChannelExtendedDataMsg struct {
	PeersID  uint32 `sshtype:"95"`
	DataType uint32
	Data     []byte
}

type ChannelEOFMsg struct {
	PeersID uint32 `sshtype:"96"`
}

type ChannelCloseMsg struct {
	PeersID uint32 `sshtype:"97"`
}

type ChannelRequestMsg struct {
	PeersID             uint32 `sshtype:"98"`
	Request             string
	WantReply           bool
	RequestSpecificData []byte `ssh:"rest"`
}

type ChannelRequestSuccessMsg struct {
	PeersID uint32 `sshtype:"99"`
}

type ChannelRequestFailureMsg struct {
	PeersID uint32 `sshtype:"100"`
}

// Channel request payloads, RFC 4254 section 6.

type PtyRequestMsg struct {
	Term     string
	Columns  uint32
	Rows     uint32
	Width    uint32
	Height   uint32
	Modelist string
}

type ExecMsg struct {
	Command string
}

type ExitStatusMsg struct {
	Status uint32
}

type ExitSignalMsg struct {
	Signal     string
	CoreDumped bool
	Error      string
	Lang       string
}

// Marshal encodes msg in SSH wire format.
func Marshal(msg any) []byte {
	return ssh.Marshal(msg)
}

// Unmarshal decodes p into out and checks the message number carried in
// out's sshtype tag.
func Unmarshal(p []byte, out any) error {
	if err := ssh.Unmarshal(p, out); err != nil {
		return fmt.Errorf("decode message %s: %w", Name(p), err)
	}
	return nil
}

var names = map[byte]string{
	MsgDisconnect:           "disconnect",
	MsgIgnore:               "ignore",
	MsgUnimplemented:        "unimplemented",
	MsgDebug:                "debug",
	MsgServiceRequest:       "service-request",
	MsgServiceAccept:        "service-accept",
	MsgExtInfo:              "ext-info",
	MsgKexInit:              "kexinit",
	MsgNewKeys:              "newkeys",
	MsgKexECDHInit:          "kex-ecdh-init",
	MsgKexECDHReply:         "kex-ecdh-reply",
	MsgUserAuthRequest:      "userauth-request",
	MsgUserAuthFailure:      "userauth-failure",
	MsgUserAuthSuccess:      "userauth-success",
	MsgUserAuthBanner:       "userauth-banner",
	MsgUserAuthPubKeyOk:     "userauth-60",
	MsgUserAuthInfoResponse: "userauth-info-response",
	MsgGlobalRequest:        "global-request",
	MsgRequestSuccess:       "request-success",
	MsgRequestFailure:       "request-failure",
	MsgChannelOpen:          "channel-open",
	MsgChannelOpenConfirm:   "channel-open-confirmation",
	MsgChannelOpenFailure:   "channel-open-failure",
	MsgChannelWindowAdjust:  "channel-window-adjust",
	MsgChannelData:          "channel-data",
	MsgChannelExtendedData:  "channel-extended-data",
	MsgChannelEOF:           "channel-eof",
	MsgChannelClose:         "channel-close",
	MsgChannelRequest:       "channel-request",
	MsgChannelSuccess:       "channel-success",
	MsgChannelFailure:       "channel-failure",
}

// Name returns a printable name for the message carried in p.
func Name(p []byte) string {
	if len(p) == 0 {
		return "empty"
	}
	if n, ok := names[p[0]]; ok {
		return n
	}
	return fmt.Sprintf("msg(%d)", p[0])
}
