package wallet

import (
	"testing"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	// Light scrypt keeps key creation fast in tests
	scryptN, scryptP = keystore.LightScryptN, keystore.LightScryptP
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("github.com/ethereum/go-ethereum/accounts/keystore.(*watcher).loop"),
		goleak.IgnoreAnyFunction("github.com/fsnotify/fsnotify.(*Watcher).readEvents"),
		goleak.IgnoreAnyFunction("github.com/fsnotify/fsnotify.(*inotify).readEvents"),
		goleak.IgnoreAnyFunction("github.com/ethereum/go-ethereum/accounts/keystore.(*KeyStore).updater"),
	)
}
