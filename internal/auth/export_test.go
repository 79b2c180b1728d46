package auth

import "time"

func (i *Issuer) SetNow(now func() time.Time) {
	i.now = now
}
