package grammar

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/kaitai-io/kaitai_struct_go_runtime/kaitai"
	"github.com/klauspost/compress/zlib"
)

// maxProcessed bounds the output of the zlib process.
const maxProcessed = 64 << 20

// processFunc transforms field bytes.
type processFunc func(data []byte, params []int64) ([]byte, error)

var processors = map[string]processFunc{
	"xor":  processXOR,
	"rol":  processRol,
	"ror":  processRor,
	"zlib": processZlib,
}

// process is a parsed "name(args)" definition.
type process struct {
	name   string
	fn     processFunc
	params []int64
}

// parseProcess reads definitions such as "xor(0x5f)", "rol(3)",
// "xor([1, 2, 3])" or "zlib".
func parseProcess(def string) (*process, error) {
	def = strings.TrimSpace(def)
	name, args := def, ""
	if open := strings.IndexByte(def, '('); open >= 0 {
		if !strings.HasSuffix(def, ")") {
			return nil, fmt.Errorf("process %q: missing ')'", def)
		}
		name, args = strings.TrimSpace(def[:open]), def[open+1:len(def)-1]
	}
	fn, ok := processors[name]
	if !ok {
		return nil, fmt.Errorf("unknown process %q", name)
	}
	args = strings.Trim(strings.TrimSpace(args), "[]")
	var params []int64
	for _, a := range strings.Split(args, ",") {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		v, err := strconv.ParseInt(a, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("process %q: argument %q: %w", def, a, err)
		}
		params = append(params, v)
	}
	return &process{name: name, fn: fn, params: params}, nil
}

func (p *process) apply(data []byte) ([]byte, error) {
	out, err := p.fn(data, p.params)
	if err != nil {
		return nil, fmt.Errorf("process %s: %w", p.name, err)
	}
	return out, nil
}

func processXOR(data []byte, params []int64) ([]byte, error) {
	if len(params) == 0 {
		return nil, fmt.Errorf("xor needs a key")
	}
	key := make([]byte, len(params))
	for i, p := range params {
		key[i] = byte(p)
	}
	return kaitai.ProcessXOR(data, key), nil
}

func processRol(data []byte, params []int64) ([]byte, error) {
	if len(params) != 1 {
		return nil, fmt.Errorf("rol needs exactly one amount")
	}
	return kaitai.ProcessRotateLeft(data, int(params[0]&7)), nil
}

func processRor(data []byte, params []int64) ([]byte, error) {
	if len(params) != 1 {
		return nil, fmt.Errorf("ror needs exactly one amount")
	}
	return kaitai.ProcessRotateRight(data, int(params[0]&7)), nil
}

func processZlib(data []byte, _ []int64) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	out, err := io.ReadAll(io.LimitReader(zr, maxProcessed+1))
	if err != nil {
		return nil, err
	}
	if len(out) > maxProcessed {
		return nil, fmt.Errorf("output exceeds %d bytes", maxProcessed)
	}
	return out, nil
}
