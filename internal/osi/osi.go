// Package osi parses and builds OSI-style option symbols.
//
// Format: [ROOT][YYMMDD][C/P][STRIKE8] where ROOT is 1-6 uppercase letters,
// the date is YYMMDD, and the strike is price*1000 padded to 8 digits.
// Example: SPY260212C00500000.
package osi

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	// strikeScaleDivisor converts the 8-digit strike code to a decimal price.
	strikeScaleDivisor = 1000.0

	// minSymbolLength is 1-char root + 6 date + 1 type + 8 strike.
	minSymbolLength = 16

	// TypeCall identifies a call contract.
	TypeCall = "call"
	// TypePut identifies a put contract.
	TypePut = "put"
	// TypeUnknown is returned for symbols that fail to parse.
	TypeUnknown = "unknown"
)

var symbolPattern = regexp.MustCompile(`^[A-Z]{1,6}\d{6}[CP]\d{8}$`)

// Contract is the decomposed form of an OSI symbol.
type Contract struct {
	Underlying string  `json:"underlying"`
	Expiration string  `json:"expiration"` // YYYY-MM-DD
	Type       string  `json:"type"`       // call | put | unknown
	Strike     float64 `json:"strike"`
}

// Valid reports whether symbol matches the OSI grammar.
func Valid(symbol string) bool {
	return symbolPattern.MatchString(symbol)
}

// Parse decomposes an OSI symbol. Malformed input returns a zero Contract
// with Type set to TypeUnknown rather than an error; callers that need to
// distinguish should check Valid first.
func Parse(symbol string) Contract {
	unknown := Contract{Type: TypeUnknown}

	if len(symbol) < minSymbolLength || !symbolPattern.MatchString(symbol) {
		return unknown
	}

	// Parse from the end so any root length works.
	strikeCode := symbol[len(symbol)-8:]
	typeCode := symbol[len(symbol)-9 : len(symbol)-8]
	dateCode := symbol[len(symbol)-15 : len(symbol)-9]
	root := symbol[:len(symbol)-15]

	strikeInt, err := strconv.ParseInt(strikeCode, 10, 64)
	if err != nil {
		return unknown
	}

	expiration, err := time.Parse("060102", dateCode)
	if err != nil {
		return unknown
	}

	contractType := TypePut
	if typeCode == "C" {
		contractType = TypeCall
	}

	return Contract{
		Underlying: root,
		Expiration: expiration.Format("2006-01-02"),
		Type:       contractType,
		Strike:     float64(strikeInt) / strikeScaleDivisor,
	}
}

// Build composes an OSI symbol from its parts. The strike is rounded to the
// nearest thousandth before encoding so Build(Parse(s)) round-trips exactly.
func Build(underlying string, expiration time.Time, contractType string, strike float64) string {
	root := strings.ToUpper(strings.TrimSpace(underlying))

	typeCode := "P"
	if strings.EqualFold(contractType, TypeCall) || strings.EqualFold(contractType, "C") {
		typeCode = "C"
	}

	strikeInt := int(math.Round(strike * strikeScaleDivisor))
	return fmt.Sprintf("%s%s%s%08d", root, expiration.Format("060102"), typeCode, strikeInt)
}

// Symbol rebuilds the OSI symbol for a parsed contract. Contracts with
// TypeUnknown or an unparseable expiration return the empty string.
func (c Contract) Symbol() string {
	if c.Type != TypeCall && c.Type != TypePut {
		return ""
	}
	expiration, err := time.Parse("2006-01-02", c.Expiration)
	if err != nil {
		return ""
	}
	return Build(c.Underlying, expiration, c.Type, c.Strike)
}

// ExpirationTime returns the contract expiration as a time.Time in loc.
// The zero time is returned when the expiration is missing or malformed.
func (c Contract) ExpirationTime(loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	t, err := time.ParseInLocation("2006-01-02", c.Expiration, loc)
	if err != nil {
		return time.Time{}
	}
	return t
}
