package handler

import (
	"bufio"
	"errors"

	"golang.org/x/crypto/cryptobyte"
)

const (
	recordTypeHandshake   = 0x16
	handshakeClientHello  = 0x01
	extensionServerName   = 0x0000
	serverNameTypeDNSName = 0x00
	recordHeaderLen       = 5
	maxRecordLen          = 16384 + 2048
)

var errNotClientHello = errors.New("not a tls client hello")

// peekSNI はbrを消費せずにClientHelloのSNIを取り出す.
// SNI拡張がない場合は空文字を返す.
func peekSNI(br *bufio.Reader) (string, error) {
	hdr, err := br.Peek(recordHeaderLen)
	if err != nil {
		return "", err
	}
	if hdr[0] != recordTypeHandshake {
		return "", errNotClientHello
	}
	n := int(hdr[3])<<8 | int(hdr[4])
	if n == 0 || n > maxRecordLen {
		return "", errNotClientHello
	}
	record, err := br.Peek(recordHeaderLen + n)
	if err != nil {
		return "", err
	}
	return parseSNI(record[recordHeaderLen:])
}

// parseSNI はハンドシェイクレコードの本体からserver_nameを読む
func parseSNI(data []byte) (string, error) {
	s := cryptobyte.String(data)

	var (
		msgType uint8
		hello   cryptobyte.String
	)
	if !s.ReadUint8(&msgType) || msgType != handshakeClientHello {
		return "", errNotClientHello
	}
	if !s.ReadUint24LengthPrefixed(&hello) {
		return "", errNotClientHello
	}

	var (
		version                       uint16
		random                        []byte
		sessionID, cipherSuites, comp cryptobyte.String
	)
	if !hello.ReadUint16(&version) ||
		!hello.ReadBytes(&random, 32) ||
		!hello.ReadUint8LengthPrefixed(&sessionID) ||
		!hello.ReadUint16LengthPrefixed(&cipherSuites) ||
		!hello.ReadUint8LengthPrefixed(&comp) {
		return "", errNotClientHello
	}
	if hello.Empty() {
		return "", nil
	}

	var extensions cryptobyte.String
	if !hello.ReadUint16LengthPrefixed(&extensions) {
		return "", errNotClientHello
	}
	for !extensions.Empty() {
		var (
			extType uint16
			extData cryptobyte.String
		)
		if !extensions.ReadUint16(&extType) || !extensions.ReadUint16LengthPrefixed(&extData) {
			return "", errNotClientHello
		}
		if extType != extensionServerName {
			continue
		}

		var names cryptobyte.String
		if !extData.ReadUint16LengthPrefixed(&names) {
			return "", errNotClientHello
		}
		for !names.Empty() {
			var (
				nameType uint8
				name     cryptobyte.String
			)
			if !names.ReadUint8(&nameType) || !names.ReadUint16LengthPrefixed(&name) {
				return "", errNotClientHello
			}
			if nameType == serverNameTypeDNSName {
				return string(name), nil
			}
		}
	}
	return "", nil
}
