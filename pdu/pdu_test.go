// SPDX-License-Identifier: MIT
//
// Copyright © 2024 Kent Gibson <warthog618@gmail.com>.

package pdu_test

import (
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warthog618/smsgw/pdu"
)

const (
	deliverAlnum = "07911326040000F0" + "04" + "07D049B7F90D" + "0000" +
		"32805121000080" + "05C8329BFD06"
	deliverUCS2 = "00" + "04" + "0C91447700091032" + "0008" +
		"3280512100000A" + "0C041F04400438043204350442"
	deliverPart = "00" + "44" + "0C91447700091032" + "0000" +
		"32805121000000" + "0A050003420201C2E231"
	deliver8Bit = "00" + "04" + "0C91447700091032" + "0004" +
		"32805121000000" + "02E941"
	statusReport = "00" + "062A0C91447700091032" + "32805121000000" +
		"32805121100000" + "00"
)

func TestEncodeSingle(t *testing.T) {
	segs, err := pdu.Encode("+447700900123", "Hello")
	require.Nil(t, err)
	require.Len(t, segs, 1)
	s := segs[0]
	assert.Equal(t, "0031000C914477000910320000A705C8329BFD06", s.Hex())
	assert.Equal(t, "+CMGS=19", s.Command())
	assert.Equal(t, pdu.GSM7, s.Alphabet)
	assert.Equal(t, 1, s.Index)
	assert.Equal(t, 1, s.Count)
	assert.Equal(t, "Hello", s.Text)
}

func TestEncodeOptions(t *testing.T) {
	segs, err := pdu.Encode("447700900123", "Hello",
		pdu.WithStatusReport(false),
		pdu.WithValidityPeriod(0xff))
	require.Nil(t, err)
	require.Len(t, segs, 1)
	assert.Equal(t, "0011000C814477000910320000FF05C8329BFD06", segs[0].Hex())

	segs, err = pdu.Encode("+447700900123", "Hi", pdu.WithUCS2)
	require.Nil(t, err)
	require.Len(t, segs, 1)
	assert.Equal(t, pdu.UCS2, segs[0].Alphabet)
	assert.Equal(t, "0031000C914477000910320008A70400480069", segs[0].Hex())
}

func TestEncodeValidityPeriod(t *testing.T) {
	patterns := []byte{0, 1, 71, 143, 144, 167, 168, 196, 197, 255}
	for _, vp := range patterns {
		segs, err := pdu.Encode("+447700900123", "Hello", pdu.WithValidityPeriod(vp))
		require.Nil(t, err)
		require.Len(t, segs, 1)
		// fo, mr, da(8), pid, dcs, then vp
		assert.Equal(t, vp, segs[0].TPDU[12], vp)
	}
}

func TestEncodeInvalidNumber(t *testing.T) {
	patterns := []string{"", "+", "12x4", strings.Repeat("1", 21)}
	for _, p := range patterns {
		segs, err := pdu.Encode(p, "Hello")
		assert.Nil(t, segs, p)
		assert.ErrorIs(t, err, pdu.ErrInvalidNumber, p)
	}
}

func TestEncodeAlphabet(t *testing.T) {
	patterns := []struct {
		name  string
		text  string
		alpha pdu.Alphabet
	}{
		{"ascii", "Hello", pdu.GSM7},
		{"extension", "{[€]}", pdu.GSM7},
		{"national", "ÄÖÑÜ§¿äöñüà", pdu.GSM7},
		{"cjk", "Hello 世界", pdu.UCS2},
		{"emoji", "ok 😀", pdu.UCS2},
	}
	for _, p := range patterns {
		f := func(t *testing.T) {
			segs, err := pdu.Encode("+447700900123", p.text)
			require.Nil(t, err)
			require.Len(t, segs, 1)
			assert.Equal(t, p.alpha, segs[0].Alphabet)
			assert.Equal(t, p.alpha == pdu.GSM7, pdu.IsGSM7(p.text))
		}
		t.Run(p.name, f)
	}
}

func TestEncodeSegmentation(t *testing.T) {
	patterns := []struct {
		name  string
		text  string
		count int
		first string
	}{
		{"gsm7 single max", strings.Repeat("a", 160), 1, strings.Repeat("a", 160)},
		{"gsm7 two", strings.Repeat("a", 200), 2, strings.Repeat("a", 153)},
		{"gsm7 three", strings.Repeat("b", 153*2+10), 3, strings.Repeat("b", 153)},
		{"gsm7 escape boundary",
			strings.Repeat("a", 152) + "€" + strings.Repeat("a", 20),
			2, strings.Repeat("a", 152)},
		{"ucs2 single max", strings.Repeat("世", 70), 1, strings.Repeat("世", 70)},
		{"ucs2 two", strings.Repeat("世", 71), 2, strings.Repeat("世", 67)},
		{"ucs2 surrogate boundary", strings.Repeat("😀", 40), 2, strings.Repeat("😀", 33)},
		{"ucs2 forced by one char", strings.Repeat("a", 100) + "世", 2, strings.Repeat("a", 67)},
	}
	for _, p := range patterns {
		f := func(t *testing.T) {
			segs, err := pdu.Encode("+447700900123", p.text, pdu.WithConcatRef(0x42))
			require.Nil(t, err)
			require.Len(t, segs, p.count)
			assert.Equal(t, p.first, segs[0].Text)
			var sb strings.Builder
			for i, s := range segs {
				assert.Equal(t, i+1, s.Index)
				assert.Equal(t, p.count, s.Count)
				assert.Equal(t, segs[0].Alphabet, s.Alphabet)
				assert.LessOrEqual(t, len(s.TPDU), 14+140)
				sb.WriteString(s.Text)
			}
			assert.Equal(t, p.text, sb.String())
		}
		t.Run(p.name, f)
	}
}

func TestEncodeConcatRef(t *testing.T) {
	text := strings.Repeat("x", 200)
	segs, err := pdu.Encode("+447700900123", text, pdu.WithConcatRef(0x42))
	require.Nil(t, err)
	require.Len(t, segs, 2)
	for _, s := range segs {
		assert.Equal(t, byte(0x42), s.Ref)
		// UDHI set
		assert.Equal(t, byte(0x71), s.TPDU[0])
	}
	// udh follows the 14 octet header: fo, mr, da(8), pid, dcs, vp, udl
	assert.Equal(t, []byte{5, 0, 3, 0x42, 2, 1}, segs[0].TPDU[14:20])
	assert.Equal(t, []byte{5, 0, 3, 0x42, 2, 2}, segs[1].TPDU[14:20])

	a, err := pdu.Encode("+447700900123", text)
	require.Nil(t, err)
	b, err := pdu.Encode("+447700900123", text)
	require.Nil(t, err)
	assert.NotEqual(t, a[0].Ref, b[0].Ref)
	assert.Equal(t, a[0].Ref, a[1].Ref)
}

func TestEncodeTooLong(t *testing.T) {
	segs, err := pdu.Encode("+447700900123", strings.Repeat("世", 67*255+1))
	assert.Nil(t, segs)
	assert.ErrorIs(t, err, pdu.ErrTooLong)
}

// sendAndReceive encodes the text and decodes each segment as the SC would
// receive it, returning the reassembled text.
func sendAndReceive(t *testing.T, text string, order func([]pdu.Segment)) *pdu.Incoming {
	t.Helper()
	segs, err := pdu.Encode("+447700900123", text)
	require.Nil(t, err)
	if order != nil {
		order(segs)
	}
	r := pdu.NewReassembler(time.Minute)
	now := time.Now()
	var in *pdu.Incoming
	for i, s := range segs {
		p, err := pdu.DecodeHex(s.Hex(), pdu.AsMO, pdu.WithTPDULength(len(s.TPDU)))
		require.Nil(t, err)
		m, ok := p.(*pdu.Message)
		require.True(t, ok)
		assert.Equal(t, pdu.Submit, m.Type)
		assert.Equal(t, "+447700900123", m.Address.Number)
		in = r.Add(m, now)
		if i < len(segs)-1 {
			assert.Nil(t, in)
		}
	}
	assert.Equal(t, 0, r.Len())
	return in
}

func TestRoundTrip(t *testing.T) {
	patterns := []struct {
		name string
		text string
	}{
		{"empty", ""},
		{"hello", "Hello"},
		{"seven", "1234567"},
		{"trailing at", "abcdef@"},
		{"extension", "{}[]~^|\\€ and \f"},
		{"full alphabet", "@£$¥èéùìòÇ\nØø\rÅåΔ_ΦΓΛΩΠΨΣΘΞÆæßÉ !\"#¤%&'()*+,-./0123456789:;<=>?" +
			"¡ABCDEFGHIJKLMNOPQRSTUVWXYZÄÖÑÜ§¿abcdefghijklmnopqrstuvwxyzäöñüà"},
		{"ucs2", "Привет, мир"},
		{"emoji", "😀😃😄"},
		{"long gsm7", strings.Repeat("The quick brown fox. ", 30)},
		{"long escapes", strings.Repeat("€", 200)},
		{"long ucs2", strings.Repeat("Привет 😀 ", 40)},
	}
	for _, p := range patterns {
		f := func(t *testing.T) {
			in := sendAndReceive(t, p.text, nil)
			require.NotNil(t, in)
			assert.Equal(t, p.text, in.Text)
			assert.False(t, in.Partial)
			assert.Empty(t, in.Missing)
		}
		t.Run(p.name, f)
	}
}

func TestThreeSegmentsAnyOrder(t *testing.T) {
	text := strings.Repeat("0123456789", 40)
	segs, err := pdu.Encode("+447700900123", text)
	require.Nil(t, err)
	require.Len(t, segs, 3)
	for i, s := range segs {
		assert.Equal(t, i+1, s.Index)
		assert.Equal(t, segs[0].Ref, s.Ref)
	}
	orders := []func([]pdu.Segment){
		func(s []pdu.Segment) { s[0], s[2] = s[2], s[0] },
		func(s []pdu.Segment) { s[0], s[1] = s[1], s[0] },
		func(s []pdu.Segment) {
			rand.Shuffle(len(s), func(i, j int) { s[i], s[j] = s[j], s[i] })
		},
	}
	for _, o := range orders {
		in := sendAndReceive(t, text, o)
		require.NotNil(t, in)
		assert.Equal(t, text, in.Text)
		assert.Equal(t, 3, in.Parts)
	}
}

func TestDecodeDeliver(t *testing.T) {
	p, err := pdu.DecodeHex(deliverAlnum, pdu.WithTPDULength(22))
	require.Nil(t, err)
	m, ok := p.(*pdu.Message)
	require.True(t, ok)
	assert.Equal(t, pdu.Deliver, m.MessageType())
	assert.Equal(t, "+31624000000", m.SMSC.Number)
	assert.Equal(t, "Info", m.Address.Number)
	assert.True(t, m.Address.IsAlphanumeric())
	assert.Equal(t, "Hello", m.Text)
	assert.Equal(t, pdu.GSM7, m.Alphabet)
	assert.Nil(t, m.Concat)
	loc := time.FixedZone("", 2*3600)
	assert.True(t, time.Date(2023, 8, 15, 12, 0, 0, 0, loc).Equal(m.Timestamp))
	_, offset := m.Timestamp.Zone()
	assert.Equal(t, 2*3600, offset)

	p, err = pdu.DecodeHex(deliverUCS2)
	require.Nil(t, err)
	m = p.(*pdu.Message)
	assert.Equal(t, "+447700900123", m.Address.Number)
	assert.Equal(t, pdu.UCS2, m.Alphabet)
	assert.Equal(t, "Привет", m.Text)
	_, offset = m.Timestamp.Zone()
	assert.Equal(t, -5*3600, offset)

	p, err = pdu.DecodeHex(deliver8Bit)
	require.Nil(t, err)
	m = p.(*pdu.Message)
	assert.Equal(t, pdu.Data8Bit, m.Alphabet)
	assert.Equal(t, "éA", m.Text)

	p, err = pdu.DecodeHex(deliverPart)
	require.Nil(t, err)
	m = p.(*pdu.Message)
	assert.Equal(t, "abc", m.Text)
	assert.Equal(t, &pdu.Concat{Ref: 0x42, Count: 2, Index: 1}, m.Concat)
}

func TestDecodeStatusReport(t *testing.T) {
	p, err := pdu.DecodeHex(statusReport)
	require.Nil(t, err)
	sr, ok := p.(*pdu.StatusReport)
	require.True(t, ok)
	assert.Equal(t, pdu.Report, sr.MessageType())
	assert.Equal(t, byte(0x2a), sr.Reference)
	assert.Equal(t, "+447700900123", sr.Recipient.Number)
	assert.Equal(t, pdu.Status(0), sr.Status)
	assert.True(t, sr.Status.Final())
	assert.Equal(t, time.Minute, sr.Discharge.Sub(sr.Timestamp))
	assert.True(t, time.Date(2023, 8, 15, 12, 0, 0, 0, time.UTC).Equal(sr.Timestamp))
}

func TestDecodeErrors(t *testing.T) {
	patterns := []struct {
		name    string
		in      string
		options []pdu.DecodeOption
		reason  pdu.Reason
	}{
		{"hex", "0G", nil, pdu.ReasonHex},
		{"empty", "", nil, pdu.ReasonTruncated},
		{"no tpdu", "00", nil, pdu.ReasonTruncated},
		{"sca", "0791", nil, pdu.ReasonTruncated},
		{"tpdu length", deliverAlnum, []pdu.DecodeOption{pdu.WithTPDULength(21)}, pdu.ReasonLength},
		{"reserved mti", "0003", nil, pdu.ReasonType},
		{"submit as mt", "0031000C914477000910320000A705C8329BFD06", nil, pdu.ReasonType},
		{"deliver as mo", deliverUCS2, []pdu.DecodeOption{pdu.AsMO}, pdu.ReasonType},
		{"reserved dcs", "00040C914477000910320080328051210000000100", nil, pdu.ReasonAlphabet},
		{"compressed", "00040C914477000910320020328051210000000100", nil, pdu.ReasonAlphabet},
		{"bad timestamp", "00040C9144770009103200003F80512100000005C8329BFD06", nil, pdu.ReasonTimestamp},
		{"excess ud", "00040C914477000910320000328051210000000105C8329BFD06", nil, pdu.ReasonLength},
		{"odd ucs2", "00040C91447700091032000832805121000000030041FF", nil, pdu.ReasonText},
		{"udh overrun", "00440C914477000910320008328051210000000409000342", nil, pdu.ReasonUDH},
		{"concat index", "00440C9144770009103200083280512100000008050003420203" + "0041", nil, pdu.ReasonUDH},
		{"udh truncated", "00440C914477000910320008328051210000000105", nil, pdu.ReasonUDH},
		{"ra truncated", "00062A0C914477", nil, pdu.ReasonTruncated},
	}
	for _, p := range patterns {
		f := func(t *testing.T) {
			m, err := pdu.DecodeHex(p.in, p.options...)
			assert.Nil(t, m)
			require.NotNil(t, err)
			de, ok := err.(pdu.DecodeError)
			require.True(t, ok, err.Error())
			assert.Equal(t, p.reason, de.Reason, err.Error())
		}
		t.Run(p.name, f)
	}
}

func TestDecodeTruncation(t *testing.T) {
	for _, v := range []string{deliverAlnum, deliverUCS2, deliverPart, statusReport} {
		for i := 0; i < len(v); i += 2 {
			m, err := pdu.DecodeHex(v[:i])
			assert.Nil(t, m, v[:i])
			assert.NotNil(t, err, v[:i])
		}
	}
}

func TestStatusClass(t *testing.T) {
	patterns := []struct {
		status pdu.Status
		class  pdu.StatusClass
		final  bool
	}{
		{0x00, pdu.StatusSuccess, true},
		{0x02, pdu.StatusSuccess, true},
		{0x1f, pdu.StatusSuccess, true},
		{0x20, pdu.StatusPending, false},
		{0x3f, pdu.StatusPending, false},
		{0x40, pdu.StatusPermanent, true},
		{0x5f, pdu.StatusPermanent, true},
		{0x60, pdu.StatusPermanent, true},
		{0xff, pdu.StatusPermanent, true},
	}
	for _, p := range patterns {
		assert.Equal(t, p.class, p.status.Class(), p.status.String())
		assert.Equal(t, p.final, p.status.Final(), p.status.String())
	}
	assert.Equal(t, "0x21(pending)", pdu.Status(0x21).String())
}

func TestReassemblerDuplicates(t *testing.T) {
	r := pdu.NewReassembler(time.Minute)
	now := time.Now()
	seg := func(idx int, text string) *pdu.Message {
		return &pdu.Message{
			Address: pdu.NewAddress("+447700900123"),
			Text:    text,
			Concat:  &pdu.Concat{Ref: 7, Count: 2, Index: idx},
		}
	}
	assert.Nil(t, r.Add(seg(1, "ab"), now))
	assert.Nil(t, r.Add(seg(1, "ab"), now))
	assert.Equal(t, 1, r.Len())

	// same ref from another sender is a separate message
	other := seg(2, "zz")
	other.Address = pdu.NewAddress("+447700900999")
	assert.Nil(t, r.Add(other, now))
	assert.Equal(t, 2, r.Len())

	in := r.Add(seg(2, "cd"), now)
	require.NotNil(t, in)
	assert.Equal(t, "abcd", in.Text)
	assert.Equal(t, 2, in.Parts)
	assert.Equal(t, 1, r.Len())
}

func TestReassemblerExpire(t *testing.T) {
	r := pdu.NewReassembler(time.Minute)
	start := time.Now()
	seg := func(ref uint16, idx int, text string) *pdu.Message {
		return &pdu.Message{
			Address: pdu.NewAddress("+447700900123"),
			Text:    text,
			Concat:  &pdu.Concat{Ref: ref, Count: 3, Index: idx},
		}
	}
	assert.Nil(t, r.Add(seg(1, 1, "one"), start))
	assert.Nil(t, r.Add(seg(1, 3, "three"), start.Add(10*time.Second)))
	assert.Nil(t, r.Add(seg(2, 2, "two"), start.Add(30*time.Second)))

	assert.Empty(t, r.Expire(start.Add(59*time.Second)))
	assert.Equal(t, 2, r.Len())

	ex := r.Expire(start.Add(time.Minute))
	require.Len(t, ex, 1)
	assert.True(t, ex[0].Partial)
	assert.Equal(t, []int{2}, ex[0].Missing)
	assert.Equal(t, "onethree", ex[0].Text)
	assert.Equal(t, 1, r.Len())

	ex = r.Expire(start.Add(2 * time.Minute))
	require.Len(t, ex, 1)
	assert.Equal(t, []int{1, 3}, ex[0].Missing)
	assert.Equal(t, "two", ex[0].Text)
	assert.Equal(t, 0, r.Len())
}

func TestSingleSegmentPassthrough(t *testing.T) {
	r := pdu.NewReassembler(0)
	in := r.Add(&pdu.Message{Address: pdu.NewAddress("123"), Text: "hi"}, time.Now())
	require.NotNil(t, in)
	assert.Equal(t, "hi", in.Text)
	assert.Equal(t, "123", in.From.Number)
	assert.Equal(t, 1, in.Parts)
}
