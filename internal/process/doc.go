// Package process runs a brewing process: an ordered list of steps (heat
// to a mash temperature and hold, wait, notify) executed one at a time as
// scheduler Jobs of type "step".
//
// A Runner is started, stopped, advanced and reset by the operator. The
// active step resumes where it left off after a stop; finishing a step
// starts the next one. Step definitions come from config and are not
// persisted.
package process
