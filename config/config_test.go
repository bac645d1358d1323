package config

import "testing"

func validConfigForTest() Config {
	c := DefaultConfig()
	c.Environment = "development"
	c.L2.Addrs = []string{"localhost:6379"}
	return c
}

func TestDefaultConfigIsValidOnceAddrsSet(t *testing.T) {
	c := validConfigForTest()
	if errs := c.Validate(); len(errs) != 0 {
		t.Fatalf("expected valid config, got errors: %v", errs)
	}
}

func TestBandSumExceedingTotalIsRejected(t *testing.T) {
	c := validConfigForTest()
	c.L1.TotalBytes = 100
	c.L1.HotBytes = 50
	c.L1.WarmBytes = 50
	c.L1.ColdBytes = 50

	errs := c.Validate()
	if len(errs) == 0 {
		t.Fatalf("expected band-sum validation error")
	}
}

func TestL3RequiresL2(t *testing.T) {
	c := validConfigForTest()
	c.L2.Enabled = false
	c.L3.Enabled = true
	c.L3.Bucket = "b"
	c.L3.OriginDomain = "cdn.example.com"
	c.L3.DistributionID = "EDFDVBD6EXAMPLE"

	errs := c.Validate()
	found := false
	for _, err := range errs {
		if err != nil {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected l3-requires-l2 validation error")
	}
}

func TestProductionRejectsWeakConsistency(t *testing.T) {
	c := validConfigForTest()
	c.Environment = "production"
	c.Coherency.Consistency = ConsistencyWeak

	errs := c.Validate()
	if len(errs) == 0 {
		t.Fatalf("expected production to reject weak consistency")
	}
}

func TestUnknownEnumValuesRejected(t *testing.T) {
	c := validConfigForTest()
	c.Coherency.Protocol = "not_a_protocol"

	errs := c.Validate()
	if len(errs) == 0 {
		t.Fatalf("expected unknown protocol to be rejected")
	}
}

func TestUnknownEnvironmentRejected(t *testing.T) {
	c := validConfigForTest()
	c.Environment = "bogus"

	errs := c.Validate()
	if len(errs) == 0 {
		t.Fatalf("expected unknown environment to be rejected")
	}
}
