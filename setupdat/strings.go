package setupdat

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/text/encoding/unicode"

	"github.com/ardnew/usbfw/pkg"
)

// LangIDEnglishUS is the language ID most hosts request strings in.
const LangIDEnglishUS = 0x0409

// maxDescriptorLength is the largest value bLength can hold.
const maxDescriptorLength = 0xFF

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// StringDescriptor encodes s as a string descriptor (UTF-16LE body).
func StringDescriptor(s string) ([]byte, error) {
	body, err := utf16le.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return nil, fmt.Errorf("encode string descriptor: %w", err)
	}
	if 2+len(body) > maxDescriptorLength {
		return nil, fmt.Errorf("string descriptor %q: %w", s, pkg.ErrBufferTooSmall)
	}
	desc := make([]byte, 2+len(body))
	desc[0] = uint8(len(desc))
	desc[1] = DescriptorTypeString
	copy(desc[2:], body)
	return desc, nil
}

// DecodeStringDescriptor returns the text of a string descriptor.
func DecodeStringDescriptor(desc []byte) (string, error) {
	if len(desc) < 2 || desc[1] != DescriptorTypeString || desc[0] < 2 || int(desc[0]) > len(desc) {
		return "", pkg.ErrInvalidParameter
	}
	text, err := utf16le.NewDecoder().Bytes(desc[2:desc[0]])
	if err != nil {
		return "", fmt.Errorf("decode string descriptor: %w", err)
	}
	return string(text), nil
}

// LanguageDescriptor returns string descriptor zero listing langIDs.
func LanguageDescriptor(langIDs ...uint16) []byte {
	if len(langIDs) == 0 {
		langIDs = []uint16{LangIDEnglishUS}
	}
	desc := make([]byte, 2+2*len(langIDs))
	desc[0] = uint8(len(desc))
	desc[1] = DescriptorTypeString
	for i, id := range langIDs {
		binary.LittleEndian.PutUint16(desc[2+2*i:], id)
	}
	return desc
}
