// Package ipam выдаёт overlay-адреса из приватной подсети.
//
// Политика одна: наименьшее свободное смещение хоста. Адрес сети и
// broadcast не выдаются; первый хост можно зарезервировать под координатор.
package ipam

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"wiresync/internal/models"
)

// MaxPrefixBits: /30 ещё даёт два хоста; /31 и /32 не поддерживаем.
const MaxPrefixBits = 30

type Allocator struct {
	prefix netip.Prefix
	base   uint32
	first  uint32 // первое выдаваемое смещение
	last   uint32 // последнее выдаваемое смещение
}

// New проверяет подсеть и готовит диапазон смещений.
func New(subnet netip.Prefix, reserveFirst bool) (*Allocator, error) {
	if !subnet.IsValid() {
		return nil, fmt.Errorf("subnet is required")
	}
	subnet = subnet.Masked()
	if !subnet.Addr().Is4() {
		return nil, fmt.Errorf("only ipv4 subnets are supported: %s", subnet)
	}
	if subnet.Bits() > MaxPrefixBits {
		return nil, fmt.Errorf("subnet %s is too small, need /%d or larger", subnet, MaxPrefixBits)
	}
	size := uint32(1) << (32 - subnet.Bits()) // для /0 переполнится в 0
	last := size - 2
	if subnet.Bits() == 0 {
		last = ^uint32(0) - 1
	}
	a := &Allocator{
		prefix: subnet,
		base:   addrToUint32(subnet.Addr()),
		first:  1,
		last:   last,
	}
	if reserveFirst {
		a.first = 2
	}
	if a.first > a.last {
		return nil, fmt.Errorf("subnet %s has no assignable hosts", subnet)
	}
	return a, nil
}

// MustNew: для тестов и констант.
func MustNew(subnet string, reserveFirst bool) *Allocator {
	a, err := New(netip.MustParsePrefix(subnet), reserveFirst)
	if err != nil {
		panic(err)
	}
	return a
}

func (a *Allocator) Prefix() netip.Prefix { return a.prefix }

// Capacity: сколько адресов вообще можно выдать.
func (a *Allocator) Capacity() uint64 { return uint64(a.last-a.first) + 1 }

// Contains сообщает, может ли addr быть выдан этим аллокатором.
func (a *Allocator) Contains(addr netip.Addr) bool {
	if !addr.Is4() || !a.prefix.Contains(addr) {
		return false
	}
	off := addrToUint32(addr) - a.base
	return off >= a.first && off <= a.last
}

// Reserved: адрес координатора, если он зарезервирован.
func (a *Allocator) Reserved() (netip.Addr, bool) {
	if a.first == 1 {
		return netip.Addr{}, false
	}
	return uint32ToAddr(a.base + 1), true
}

// Allocate возвращает наименьший свободный адрес. Адреса из used вне
// диапазона игнорируются.
func (a *Allocator) Allocate(used map[netip.Addr]struct{}) (netip.Addr, error) {
	inRange := uint64(0)
	for addr := range used {
		if a.Contains(addr) {
			inRange++
		}
	}
	if inRange >= a.Capacity() {
		return netip.Addr{}, fmt.Errorf("%w: %s", models.ErrAddressSpaceExhausted, a.prefix)
	}
	for off := a.first; ; off++ {
		addr := uint32ToAddr(a.base + off)
		if _, ok := used[addr]; !ok {
			return addr, nil
		}
		if off == a.last {
			break
		}
	}
	return netip.Addr{}, fmt.Errorf("%w: %s", models.ErrAddressSpaceExhausted, a.prefix)
}

// Allocate: разовый вызов без резерва под координатор.
func Allocate(used map[netip.Addr]struct{}, subnet netip.Prefix) (netip.Addr, error) {
	a, err := New(subnet, false)
	if err != nil {
		return netip.Addr{}, err
	}
	return a.Allocate(used)
}

func addrToUint32(addr netip.Addr) uint32 {
	b := addr.As4()
	return binary.BigEndian.Uint32(b[:])
}

func uint32ToAddr(v uint32) netip.Addr {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return netip.AddrFrom4(b)
}
