package cmpp

import (
	"crypto/md5"
	"fmt"
	"time"
)

// AuthenticatorSource computes MD5(Source_Addr + 9 zero octets + secret + timestamp)
func AuthenticatorSource(sourceAddr, secret, timestamp string) []byte {
	h := md5.New()
	h.Write([]byte(sourceAddr))
	h.Write(make([]byte, 9))
	h.Write([]byte(secret))
	h.Write([]byte(timestamp))
	return h.Sum(nil)
}

// AuthenticatorISMG computes MD5(Status + AuthenticatorSource + secret)
func AuthenticatorISMG(status uint8, authenticatorSource []byte, secret string) []byte {
	h := md5.New()
	h.Write([]byte{status})
	h.Write(authenticatorSource)
	h.Write([]byte(secret))
	return h.Sum(nil)
}

// FormatTimestamp renders a CMPP_CONNECT Timestamp as ten digits
func FormatTimestamp(ts uint32) string {
	return fmt.Sprintf("%010d", ts)
}

// ValidTimestamp reports whether ts is a real MMDDHHmmss instant in the
// current year
func ValidTimestamp(ts string) bool {
	return validTimestampIn(ts, time.Now().Year())
}

func validTimestampIn(ts string, year int) bool {
	if len(ts) != len(TimestampLayout) {
		return false
	}
	_, err := time.Parse("2006"+TimestampLayout, fmt.Sprintf("%04d", year)+ts)
	return err == nil
}

// NewTimestamp renders t in the MMDDHHmmss form and as the numeric wire value
func NewTimestamp(t time.Time) (string, uint32) {
	s := t.Format(TimestampLayout)
	var n uint32
	for _, c := range s {
		n = n*10 + uint32(c-'0')
	}
	return s, n
}
