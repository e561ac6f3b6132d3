package cache

import "testing"

func TestKeyPrefix(t *testing.T) {
	c := &RedisCache{prefix: "ms:"}
	if got := c.Key("md:AAPL"); got != "ms:md:AAPL" {
		t.Errorf("Key = %q", got)
	}
	c = &RedisCache{}
	if got := c.Key("md:AAPL"); got != "md:AAPL" {
		t.Errorf("Key without prefix = %q", got)
	}
}
