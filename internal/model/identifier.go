// Package model はドメインモデルを定義する。
package model

import (
	"strconv"
	"strings"
)

// ディレクトリが発行する識別子のサーバー部。
const (
	ServerPhone  = "s.whatsapp.net"
	ServerOpaque = "lid"
	ServerGroup  = "g.us"
)

// PhoneNumber は区切り文字や先頭の + を含まない正規化済みの電話番号（10〜15桁）を表す。
type PhoneNumber string

// String はfmt.Stringerを実装する。
func (p PhoneNumber) String() string { return string(p) }

// IdentifierKind は識別子の種別を表す。
type IdentifierKind int

const (
	// KindUnknown は解釈できない識別子を示す。
	KindUnknown IdentifierKind = iota
	// KindPhoneDerived は電話番号を直接含む識別子を示す。
	KindPhoneDerived
	// KindOpaque は電話番号と復号可能な関係を持たないLID系識別子を示す。
	KindOpaque
)

// String はfmt.Stringerを実装する。
func (k IdentifierKind) String() string {
	switch k {
	case KindPhoneDerived:
		return "phone_derived"
	case KindOpaque:
		return "opaque"
	default:
		return "unknown"
	}
}

// Identifier はディレクトリが参加者に発行する識別子を表す。
// 形式は "<user>[:<device>]@<server>"。
type Identifier string

// PhoneDerivedID は電話番号から標準形式の識別子を構築する。
func PhoneDerivedID(phone PhoneNumber) Identifier {
	return Identifier(string(phone) + "@" + ServerPhone)
}

// OpaqueID はuser部からLID形式の識別子を構築する。
func OpaqueID(user string) Identifier {
	return Identifier(user + "@" + ServerOpaque)
}

// DeviceID はデバイス番号付きの電話番号由来識別子を構築する。
func DeviceID(phone PhoneNumber, device int) Identifier {
	return Identifier(string(phone) + ":" + strconv.Itoa(device) + "@" + ServerPhone)
}

// String はfmt.Stringerを実装する。
func (id Identifier) String() string { return string(id) }

// Server は "@" 以降のサーバー部を返す。
func (id Identifier) Server() string {
	s := string(id)
	if i := strings.LastIndexByte(s, '@'); i >= 0 {
		return s[i+1:]
	}
	return ""
}

// User はデバイス番号とサーバー部を除いたuser部を返す。
func (id Identifier) User() string {
	s := string(id)
	if i := strings.LastIndexByte(s, '@'); i >= 0 {
		s = s[:i]
	}
	if i := strings.IndexByte(s, ':'); i >= 0 {
		s = s[:i]
	}
	return s
}

// Device はデバイス番号を返す。デバイス番号がない場合はfalseを返す。
func (id Identifier) Device() (int, bool) {
	s := string(id)
	if i := strings.LastIndexByte(s, '@'); i >= 0 {
		s = s[:i]
	}
	i := strings.IndexByte(s, ':')
	if i < 0 {
		return 0, false
	}
	n, err := strconv.Atoi(s[i+1:])
	if err != nil {
		return 0, false
	}
	return n, true
}

// Bare はデバイス番号を取り除いた識別子を返す。
func (id Identifier) Bare() Identifier {
	if _, ok := id.Device(); !ok {
		return id
	}
	return Identifier(id.User() + "@" + id.Server())
}

// Kind は識別子の種別を判定する。
func (id Identifier) Kind() IdentifierKind {
	if id.User() == "" {
		return KindUnknown
	}
	switch id.Server() {
	case ServerPhone:
		return KindPhoneDerived
	case ServerOpaque:
		return KindOpaque
	default:
		return KindUnknown
	}
}

// SameParticipant はデバイス番号を無視して同一参加者を指すかどうかを返す。
func (id Identifier) SameParticipant(other Identifier) bool {
	return id.Bare() == other.Bare()
}

// Scope はマッピングの適用範囲を表す。GroupIDが空の場合はグローバルを示す。
type Scope struct {
	GroupID string
}

// GlobalScope はグローバルスコープを表す。
var GlobalScope = Scope{}

// GroupScope は指定グループのスコープを返す。
func GroupScope(groupID string) Scope {
	return Scope{GroupID: groupID}
}

// IsGlobal はグローバルスコープかどうかを返す。
func (s Scope) IsGlobal() bool { return s.GroupID == "" }

// String はfmt.Stringerを実装する。
func (s Scope) String() string {
	if s.IsGlobal() {
		return "global"
	}
	return s.GroupID
}
