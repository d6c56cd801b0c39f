package bq

import (
	"sync"
	"time"
)

// keyer hands out strictly increasing message ids derived from the
// clock, so bucket keys sort in submission order.
type keyer struct {
	sync.Mutex
	curUnix int64
}

func (k *keyer) Next() uint64 {
	k.Lock()
	defer k.Unlock()

	now := time.Now().UnixNano()
	if now <= k.curUnix {
		now = k.curUnix + 1
	}

	k.curUnix = now
	return uint64(now)
}
