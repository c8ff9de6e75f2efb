package intent

import "strings"

var smallTalkWords = map[string]bool{
	"halo": true, "hallo": true, "hai": true, "hi": true, "hello": true, "helo": true,
	"pagi": true, "siang": true, "sore": true, "malam": true, "selamat": true,
	"assalamualaikum": true, "assalamu": true, "alaikum": true, "salam": true, "permisi": true,
	"kak": true, "ka": true, "min": true, "admin": true, "mas": true, "mbak": true, "pak": true, "bu": true,
	"ok": true, "oke": true, "okay": true, "sip": true, "siap": true,
	"terima": true, "kasih": true, "makasih": true, "thanks": true, "thank": true, "you": true, "tq": true,
	"p": true, "ping": true, "tes": true, "test": true, "neti": true,
}

// IsSmallTalk reports whether text consists only of greetings, courtesies
// and acknowledgements, so it carries no complaint.
func IsSmallTalk(text string) bool {
	words := strings.Fields(Normalize(text))
	if len(words) == 0 {
		return true
	}
	for _, w := range words {
		if !smallTalkWords[w] {
			return false
		}
	}
	return true
}
