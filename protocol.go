package main

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Wire-protocol limits.
const (
	MinNicknameLen = 2
	MaxNicknameLen = 20 // max bytes for a nickname
	MaxRoomNameLen = 31 // max bytes for a room name
)

// validateNickname trims whitespace and returns the trimmed nickname, or
// an error when the result is not 2-20 printable bytes without spaces.
func validateNickname(s string) (string, error) {
	s = strings.TrimSpace(s)
	if len(s) < MinNicknameLen || len(s) > MaxNicknameLen {
		return "", fmt.Errorf("nickname must be %d-%d bytes", MinNicknameLen, MaxNicknameLen)
	}
	for _, r := range s {
		if !unicode.IsPrint(r) || unicode.IsSpace(r) {
			return "", fmt.Errorf("nickname contains unprintable character %q", r)
		}
	}
	return s, nil
}

// validateRoomName trims whitespace and returns the trimmed name, or an
// error when the result is empty or exceeds 31 bytes.
func validateRoomName(s string) (string, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return "", fmt.Errorf("room name must not be empty")
	case len(s) > MaxRoomNameLen:
		return "", fmt.Errorf("room name must not exceed %d bytes", MaxRoomNameLen)
	}
	for _, r := range s {
		if !unicode.IsPrint(r) {
			return "", fmt.Errorf("room name contains unprintable character %q", r)
		}
	}
	return s, nil
}

// parseRoomID decodes a join/list payload. Old clients send the room id
// as a 4-byte big-endian integer, newer ones as a decimal string; a
// 4-byte payload of pure ASCII digits is read as the decimal form.
func parseRoomID(data []byte) (int64, error) {
	if len(data) == 4 && !allDigits(data) {
		v := binary.BigEndian.Uint32(data)
		if v == 0 {
			return 0, fmt.Errorf("room id must be positive")
		}
		return int64(v), nil
	}
	return parsePositiveID(string(data))
}

// parseMessageID decodes a decimal message id payload.
func parseMessageID(data []byte) (int64, error) {
	return parsePositiveID(string(data))
}

func parsePositiveID(s string) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	if n <= 0 {
		return 0, fmt.Errorf("id must be positive, got %d", n)
	}
	return n, nil
}

func allDigits(data []byte) bool {
	for _, b := range data {
		if b < '0' || b > '9' {
			return false
		}
	}
	return len(data) > 0
}
