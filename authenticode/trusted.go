package authenticode

import (
	"sync"

	"github.com/spf13/afero"

	"github.com/foxboron/go-authenticode/trustroots"
)

var loadTrustedStore = sync.OnceValues(func() (*CertificateStore, error) {
	return LoadCertificateStore(afero.FromIOFS{FS: trustroots.Certs}, trustroots.Dir, true)
})

// TrustedCertificateStore returns the process-wide store of bundled trust
// anchors. It is loaded on first use and must not be modified.
func TrustedCertificateStore() *CertificateStore {
	s, err := loadTrustedStore()
	if err != nil {
		panic("authenticode: bundled trust anchors: " + err.Error())
	}
	return s
}
