package protocol

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/ussldb/ussl/internal/hub"
	"github.com/ussldb/ussl/internal/manager"
)

const crlf = "\r\n"

// EncodeResult renders a manager.Result as one complete USSP response,
// including any nested array items, ready to write to a connection.
func EncodeResult(res manager.Result) []byte {
	var b strings.Builder
	writeResult(&b, res)
	return []byte(b.String())
}

func writeResult(b *strings.Builder, res manager.Result) {
	switch res.Kind {
	case manager.KindOK:
		b.WriteString("+OK" + crlf)
	case manager.KindSimple:
		b.WriteString("+" + res.Simple + crlf)
	case manager.KindInt:
		b.WriteString(":" + strconv.FormatInt(res.Int, 10) + crlf)
	case manager.KindBulk:
		fmt.Fprintf(b, "$%d%s", len(res.Bulk), crlf)
		b.Write(res.Bulk)
		b.WriteString(crlf)
	case manager.KindNullBulk:
		b.WriteString("$-1" + crlf)
	case manager.KindArray:
		fmt.Fprintf(b, "*%d%s", len(res.Array), crlf)
		for _, item := range res.Array {
			writeResult(b, item)
		}
	case manager.KindError:
		b.WriteString("-ERR " + string(res.Err.Code) + " " + res.Err.Msg + crlf)
	default:
		b.WriteString("-ERR BADCMD internal: unrenderable result kind" + crlf)
	}
}

// EncodeFrame renders a hub.Frame as a pushed delta ('#') or full snapshot
// ('!') line per spec §6. A FrameTombstone carries no payload and is sent
// as an empty-payload delta frame (spec §9's "Tombstone delta" glossary
// entry: a delta with no payload beyond the id and terminal version).
func EncodeFrame(f hub.Frame) []byte {
	prefix := "#"
	if f.Kind == hub.FrameSnapshot {
		prefix = "!"
	}
	payload := base64.StdEncoding.EncodeToString(f.Payload)
	return []byte(fmt.Sprintf("%s%d %s %s%s", prefix, f.Version, f.DocID, payload, crlf))
}
