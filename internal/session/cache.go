package session

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/veggaen/phasestake/pkg/types"
)

const defaultCacheSize = 1024

type readKey struct {
	addr  common.Address
	call  string
	phase uint64
}

type readValue struct {
	big    *big.Int
	flag   bool
	stakes []types.StakePosition
}

// lastKnownGood keeps the most recent successful value of each read so a failed
// read can be filled in and flagged stale
type lastKnownGood struct {
	cache *lru.Cache[readKey, readValue]
}

func newLastKnownGood(size int) (*lastKnownGood, error) {
	if size <= 0 {
		size = defaultCacheSize
	}
	c, err := lru.New[readKey, readValue](size)
	if err != nil {
		return nil, err
	}
	return &lastKnownGood{cache: c}, nil
}

func (l *lastKnownGood) putBig(addr common.Address, call string, phase uint64, v *big.Int) {
	if v == nil {
		return
	}
	l.cache.Add(readKey{addr, call, phase}, readValue{big: new(big.Int).Set(v)})
}

func (l *lastKnownGood) getBig(addr common.Address, call string, phase uint64) (*big.Int, bool) {
	v, ok := l.cache.Get(readKey{addr, call, phase})
	if !ok || v.big == nil {
		return nil, false
	}
	return new(big.Int).Set(v.big), true
}

func (l *lastKnownGood) putFlag(addr common.Address, call string, phase uint64, v bool) {
	l.cache.Add(readKey{addr, call, phase}, readValue{flag: v})
}

func (l *lastKnownGood) getFlag(addr common.Address, call string, phase uint64) (bool, bool) {
	v, ok := l.cache.Get(readKey{addr, call, phase})
	return v.flag, ok
}

func (l *lastKnownGood) putStakes(addr common.Address, list []types.StakePosition) {
	l.cache.Add(readKey{addr: addr, call: "stakes"}, readValue{stakes: copyStakes(list)})
}

func (l *lastKnownGood) getStakes(addr common.Address) ([]types.StakePosition, bool) {
	v, ok := l.cache.Get(readKey{addr: addr, call: "stakes"})
	if !ok {
		return nil, false
	}
	return copyStakes(v.stakes), true
}

func (l *lastKnownGood) purge() {
	l.cache.Purge()
}

func (l *lastKnownGood) len() int {
	return l.cache.Len()
}

func copyStakes(list []types.StakePosition) []types.StakePosition {
	out := make([]types.StakePosition, len(list))
	for i, p := range list {
		if p.AmountWei != nil {
			p.AmountWei = new(big.Int).Set(p.AmountWei)
		}
		out[i] = p
	}
	return out
}
