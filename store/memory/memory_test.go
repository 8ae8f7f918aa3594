package memory_test

import (
	"testing"

	"github.com/ineyio/tokenquota"
	"github.com/ineyio/tokenquota/store/memory"
	"github.com/ineyio/tokenquota/store/storetest"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) tokenquota.AccountStore {
		return memory.New()
	})
}
