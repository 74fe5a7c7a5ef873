package main

import (
	"flag"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func parseArgs(t *testing.T, args []string) (*options, []string) {
	t.Helper()
	fs := flag.NewFlagSet("mtnormalise", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	opts := registerFlags(fs)
	require.NoError(t, fs.Parse(reorderArgs(fs, args)))
	return opts, fs.Args()
}

func TestParseTrailingOptions(t *testing.T) {
	opts, args := parseArgs(t, []string{"wm.mtv", "wm_norm.mtv", "-mask", "mask.mtv"})
	require.Equal(t, "mask.mtv", *opts.maskPath)
	require.Equal(t, []string{"wm.mtv", "wm_norm.mtv"}, args)
}

func TestParseInterleavedOptions(t *testing.T) {
	opts, args := parseArgs(t, []string{
		"-order", "2",
		"wm.mtv", "wm_norm.mtv",
		"-balanced",
		"gm.mtv", "gm_norm.mtv",
		"-mask", "mask.mtv",
		"-niter=5",
	})
	require.Equal(t, "mask.mtv", *opts.maskPath)
	require.Equal(t, 2, *opts.order)
	require.Equal(t, 5, *opts.niter)
	require.True(t, *opts.balanced)
	require.Equal(t, []string{"wm.mtv", "wm_norm.mtv", "gm.mtv", "gm_norm.mtv"}, args)
}

func TestParseBoolFlagDoesNotEatPositional(t *testing.T) {
	opts, args := parseArgs(t, []string{"-balanced", "wm.mtv", "wm_norm.mtv", "-mask", "mask.mtv"})
	require.True(t, *opts.balanced)
	require.Equal(t, []string{"wm.mtv", "wm_norm.mtv"}, args)
}

func TestParseDoubleDashEndsOptions(t *testing.T) {
	opts, args := parseArgs(t, []string{"-mask", "mask.mtv", "--", "-weird.mtv", "out.mtv"})
	require.Equal(t, "mask.mtv", *opts.maskPath)
	require.Equal(t, []string{"-weird.mtv", "out.mtv"}, args)
}

func TestParseUnknownOptionFails(t *testing.T) {
	fs := flag.NewFlagSet("mtnormalise", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	registerFlags(fs)
	err := fs.Parse(reorderArgs(fs, []string{"wm.mtv", "wm_norm.mtv", "-bogus"}))
	require.Error(t, err)
}
