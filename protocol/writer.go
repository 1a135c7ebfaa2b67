package protocol

import (
	"fmt"
	"io"
)

var (
	Terminal   = []byte("\r\n")
	EndHyphens = []byte("-------")
)

// WriteRequestLine writes `MSRP <tid> <method>\r\n`.
func WriteRequestLine(w io.Writer, tid string, method Method) error {
	_, err := fmt.Fprintf(w, "MSRP %s %s\r\n", tid, method)
	return err
}

// WriteResponseLine writes `MSRP <tid> <code> [comment]\r\n`.
func WriteResponseLine(w io.Writer, tid string, code int, comment string) error {
	var err error

	if comment == "" {
		_, err = fmt.Fprintf(w, "MSRP %s %03d\r\n", tid, code)
	} else {
		_, err = fmt.Fprintf(w, "MSRP %s %03d %s\r\n", tid, code, comment)
	}

	return err
}

func WriteHeader(w io.Writer, name, value string) error {
	_, err := fmt.Fprintf(w, "%s: %s\r\n", name, value)
	return err
}

func WritePaths(w io.Writer, toPath, fromPath []*URI) error {
	if err := WriteHeader(w, HeaderToPath, FormatPath(toPath)); err != nil {
		return err
	}

	return WriteHeader(w, HeaderFromPath, FormatPath(fromPath))
}

// EndLine builds `-------<tid><flag>\r\n`.
func EndLine(tid string, flag Flag) []byte {
	b := make([]byte, 0, len(EndHyphens)+len(tid)+3)
	b = append(b, EndHyphens...)
	b = append(b, tid...)
	b = append(b, byte(flag))

	return append(b, Terminal...)
}

func WriteEndLine(w io.Writer, tid string, flag Flag) error {
	_, err := w.Write(EndLine(tid, flag))
	return err
}
