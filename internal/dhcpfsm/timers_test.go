package dhcpfsm

import "testing"

// TestClampLease is Property 3: for any input triple, the output always
// satisfies 0 <= T1 <= T2 <= lease and lease >= MinLeaseSeconds.
func TestClampLease(t *testing.T) {
	cases := []struct {
		name                   string
		lease, t1, t2          uint32
		haveLease, haveT1, haveT2 bool
	}{
		{"all omitted", 0, 0, 0, false, false, false},
		{"lease only", 7200, 0, 0, true, false, false},
		{"below floor", 10, 0, 0, true, false, false},
		{"t2 greater than lease", 3600, 1800, 7200, true, true, true},
		{"t1 greater than t2", 3600, 3000, 1800, true, true, true},
		{"well formed", 3600, 1800, 3150, true, true, true},
		{"zero lease explicit", 0, 100, 200, true, true, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			lease, t1, t2 := ClampLease(c.lease, c.t1, c.t2, c.haveLease, c.haveT1, c.haveT2)
			if lease < MinLeaseSeconds {
				t.Fatalf("lease %d below floor %d", lease, MinLeaseSeconds)
			}
			if t1 > t2 {
				t.Fatalf("t1 %d > t2 %d", t1, t2)
			}
			if t2 > lease {
				t.Fatalf("t2 %d > lease %d", t2, lease)
			}
		})
	}
}

// TestClampLeaseDefaults pins the specific default ratios spec §4.6 names
// when the server omits lease/T1/T2 entirely.
func TestClampLeaseDefaults(t *testing.T) {
	lease, t1, t2 := ClampLease(0, 0, 0, false, false, false)
	if lease != DefaultLeaseSeconds {
		t.Fatalf("lease = %d, want %d", lease, DefaultLeaseSeconds)
	}
	if t1 != lease/2 {
		t.Fatalf("t1 = %d, want %d", t1, lease/2)
	}
	if t2 != lease*7/8 {
		t.Fatalf("t2 = %d, want %d", t2, lease*7/8)
	}
}
