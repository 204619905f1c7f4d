package recorder

import (
	"strconv"
	"strings"
	"time"
	"unicode"
)

// File suffixes of the capture pipeline.
const (
	extPart   = ".webm.part"
	extWebm   = ".webm"
	extMP4    = ".mp4"
	extFIFO   = ".fifo"
	extConcat = ".concat.txt"
	segInfix  = "_seg_"
)

// safeComponent keeps letters, digits, '-' and '_' so a value can be embedded in a filename.
func safeComponent(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' {
			return r
		}
		return -1
	}, s)
}

// recordingID is the public id: room-owner-unixseconds.
func recordingID(roomID, ownerUID string, startedAt time.Time) string {
	return roomID + "-" + ownerUID + "-" + strconv.FormatInt(startedAt.Unix(), 10)
}

// baseName is the filesystem-safe stem shared by every file of one recording.
func baseName(roomID, ownerUID string, startedAt time.Time) string {
	return safeComponent(roomID) + "_" + safeComponent(ownerUID) + "_" + strconv.FormatInt(startedAt.Unix(), 10)
}

func segmentPattern(base string) string { return base + segInfix + "%05d" + extMP4 }
func segmentGlob(base string) string    { return base + segInfix + "*" + extMP4 }
