package pci

import (
	"errors"
	"testing"
)

func TestRegistersIndexBounds(t *testing.T) {
	r := NewRegisters()
	if err := r.Write(NumRegisters-1, 0xdead_beef); err != nil {
		t.Fatalf("write last register: %v", err)
	}
	v, err := r.Read(NumRegisters - 1)
	if err != nil || v != 0xdead_beef {
		t.Fatalf("read last register = %#x, %v", v, err)
	}
	for _, idx := range []int{-1, NumRegisters, 1000} {
		if _, err := r.Read(idx); !errors.Is(err, ErrOffsetOutOfBounds) {
			t.Fatalf("Read(%d) err = %v, want ErrOffsetOutOfBounds", idx, err)
		}
		if err := r.Write(idx, 1); !errors.Is(err, ErrOffsetOutOfBounds) {
			t.Fatalf("Write(%d) err = %v, want ErrOffsetOutOfBounds", idx, err)
		}
	}
}

func TestRegistersByteLanes(t *testing.T) {
	r := NewRegisters()
	if err := r.Write16(0, 0x1af4); err != nil {
		t.Fatalf("Write16: %v", err)
	}
	if err := r.Write16(2, 0x1000); err != nil {
		t.Fatalf("Write16: %v", err)
	}
	if err := r.Write8(0x3d, 0x01); err != nil {
		t.Fatalf("Write8: %v", err)
	}

	if v, _ := r.Read32(0); v != 0x1000_1af4 {
		t.Fatalf("register 0 = %#x, want 0x10001af4", v)
	}
	if v, _ := r.Read8(1); v != 0x1a {
		t.Fatalf("byte 1 = %#x, want 0x1a", v)
	}
	if v, _ := r.Read32(0x3c); v != 0x0000_0100 {
		t.Fatalf("register 15 = %#x, want 0x100", v)
	}
	if v, _ := r.Read8(ConfigSpaceSize - 1); v != 0 {
		t.Fatalf("last byte = %#x, want 0", v)
	}
}

func TestRegistersAccessErrors(t *testing.T) {
	r := NewRegisters()
	tests := []struct {
		name   string
		offset int
		size   int
		want   error
	}{
		{"word at odd offset", 1, 2, ErrUnalignedAccess},
		{"dword at word offset", 2, 4, ErrUnalignedAccess},
		{"dword past end", ConfigSpaceSize, 4, ErrOffsetOutOfBounds},
		{"byte past end", ConfigSpaceSize, 1, ErrOffsetOutOfBounds},
		{"negative", -4, 4, ErrOffsetOutOfBounds},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := r.readLane(tt.offset, tt.size); !errors.Is(err, tt.want) {
				t.Fatalf("read err = %v, want %v", err, tt.want)
			}
			if err := r.writeLane(tt.offset, tt.size, 0xffff_ffff); !errors.Is(err, tt.want) {
				t.Fatalf("write err = %v, want %v", err, tt.want)
			}
		})
	}
	if r.Bytes() != [ConfigSpaceSize]byte{} {
		t.Fatalf("failed writes modified the register file")
	}
}

func TestRegistersFromBytes(t *testing.T) {
	src := NewRegisters()
	src.Write(0, 0x1000_1af4)
	src.Write(4, 0xfebf_1000)
	src.Write(63, 0x0102_0304)

	img := src.Bytes()
	if img[0] != 0xf4 || img[1] != 0x1a || img[255] != 0x01 {
		t.Fatalf("image is not little-endian: % x ... %x", img[:4], img[255])
	}
	got, err := RegistersFromBytes(img[:])
	if err != nil {
		t.Fatalf("RegistersFromBytes: %v", err)
	}
	if *got != *src {
		t.Fatalf("round trip mismatch")
	}
	if _, err := RegistersFromBytes(img[:64]); !errors.Is(err, ErrOffsetOutOfBounds) {
		t.Fatalf("short image err = %v, want ErrOffsetOutOfBounds", err)
	}
}
