package cipher

import (
	gocipher "crypto/cipher"
	"crypto/rand"
)

type streamTransform struct {
	c *Cipher

	enc gocipher.Stream
	dec gocipher.Stream

	// Partial peer IV, held until ivLen bytes have arrived.
	iv []byte
}

func (t *streamTransform) Encrypt(p []byte) []byte {
	if t.enc != nil {
		out := make([]byte, len(p))
		t.enc.XORKeyStream(out, p)
		return out
	}

	ivLen := t.c.m.ivLen
	out := make([]byte, ivLen+len(p))
	_, _ = rand.Read(out[:ivLen])

	// The key and IV lengths were validated in New.
	stream, err := t.c.m.newStream(t.c.key, out[:ivLen], false)
	if err != nil {
		panic("cipher: " + err.Error())
	}
	t.enc = stream
	t.enc.XORKeyStream(out[ivLen:], p)
	return out
}

func (t *streamTransform) Decrypt(p []byte) []byte {
	if t.dec == nil {
		ivLen := t.c.m.ivLen
		need := ivLen - len(t.iv)
		if len(p) < need {
			t.iv = append(t.iv, p...)
			return nil
		}
		t.iv = append(t.iv, p[:need]...)
		p = p[need:]

		stream, err := t.c.m.newStream(t.c.key, t.iv, true)
		if err != nil {
			panic("cipher: " + err.Error())
		}
		t.dec = stream
		t.iv = nil
	}

	out := make([]byte, len(p))
	t.dec.XORKeyStream(out, p)
	return out
}
