package main

import "strconv"

// hexVar implements flag.Value over a uintptr, accepting plain decimal or
// 0x-prefixed hex, matching how guest addresses are usually written in
// box86's own logs (dynarec_log's %p/%x formatting).
type hexVar uintptr

func (h *hexVar) String() string {
	return strconv.FormatUint(uint64(*h), 16)
}

func (h *hexVar) Set(s string) error {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return err
	}
	*h = hexVar(v)
	return nil
}
