package anat

import (
	"os"
	"path/filepath"
)

// RequiredArtifacts is the output contract of the processing engine: every
// file that must exist in a subject's output directory for the subject to
// count as complete. The engine's own exit status is advisory; this manifest
// is the sole authority. Membership tracks the engine's specification and is
// kept in this one place.
var RequiredArtifacts = []string{
	"T1.nii.gz",
	"T1_orig.nii.gz",
	"T1_biascorr.nii.gz",
	"T1_biascorr_brain.nii.gz",
	"T1_biascorr_brain_mask.nii.gz",
	"T1_fast_pve_0.nii.gz",
	"T1_fast_pve_1.nii.gz",
	"T1_fast_pve_2.nii.gz",
	"T1_fast_pveseg.nii.gz",
	"T1_fast_seg.nii.gz",
	"T1_subcort_seg.nii.gz",
	"T1_to_MNI_lin.nii.gz",
	"T1_to_MNI_lin.mat",
	"T1_to_MNI_nonlin.nii.gz",
	"T1_to_MNI_nonlin_field.nii.gz",
	"T1_to_MNI_nonlin_coeff.nii.gz",
	"MNI_to_T1_nonlin_field.nii.gz",
	"T1_vols.txt",
	"lesionmask.nii.gz",
	"lesionmaskinv.nii.gz",
}

// ValidateResult confirms that every file in the output contract exists
// under dir, returning dir on success and a MissingArtifactError naming the
// first absent file otherwise.
func ValidateResult(dir string) (string, error) {
	for _, name := range RequiredArtifacts {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			return "", &MissingArtifactError{Dir: dir, Name: name}
		}
	}
	return dir, nil
}
