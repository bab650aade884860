package syscall

import "github.com/brianmayclone/anyos-core/caps"

// RequiredCap returns the capability bits needed to invoke a syscall.
// Zero means always allowed (basic lifecycle and info calls). The
// dispatcher checks (thread caps & required) == required.
func RequiredCap(num uint32) caps.Set {
	switch num {
	// Always allowed.
	case SysExit, SysGetpid, SysGetppid, SysYield, SysSleep, SysSbrk,
		SysMmap, SysMunmap, SysGetargs, SysTime, SysUptime, SysTickHz,
		SysGetenv, SysRandom, SysIsatty, SysGetuid, SysGetgid,
		SysGetCaps, SysListUsers,
		SysPermCheck, SysPermPendingInfo,
		SysFork, SysExec:
		return 0

	case SysOpen, SysRead, SysWrite, SysClose, SysStat, SysLstat,
		SysReaddir, SysMkdir, SysUnlink, SysTruncate, SysSymlink,
		SysReadlink, SysMount, SysUmount, SysListMounts, SysLseek,
		SysFstat, SysChdir, SysGetcwd, SysChmod, SysChown:
		return caps.Filesystem

	case SysNetConfig, SysNetPing, SysNetDHCP, SysNetDNS, SysNetARP,
		SysNetPoll,
		SysTCPConnect, SysTCPSend, SysTCPRecv, SysTCPClose, SysTCPStatus,
		SysTCPRecvAvailable, SysTCPShutdownWr,
		SysUDPBind, SysUDPUnbind, SysUDPSendto, SysUDPRecvfrom, SysUDPSetOpt:
		return caps.Network

	case SysAudioWrite, SysAudioCtl:
		return caps.Audio

	case SysScreenSize, SysSetResolution, SysListResolutions, SysGPUInfo,
		SysGPUHasAccel, SysCaptureScreen:
		return caps.Display

	case SysDevlist, SysDevopen, SysDevclose, SysDevread, SysDevwrite,
		SysDevioctl, SysIrqwait:
		return caps.Device

	case SysSpawn, SysKill, SysWaitpid, SysTryWaitpid, SysSetPrio:
		return caps.Process

	case SysPipeCreate, SysPipeOpen, SysPipeRead, SysPipeWrite,
		SysPipeClose, SysPipeList:
		return caps.Pipe

	case SysShmCreate, SysShmMap, SysShmUnmap, SysShmDestroy:
		return caps.Shm

	case SysEvtSysSubscribe, SysEvtSysPoll, SysEvtSysUnsubscribe,
		SysEvtChanCreate, SysEvtChanSubscribe, SysEvtChanEmit,
		SysEvtChanPoll, SysEvtChanDestroy:
		return caps.Event

	case SysMapFramebuffer, SysGPUCommand, SysInputPoll,
		SysRegisterCompositor, SysCursorTakeover, SysBootReady:
		return caps.Compositor

	case SysSysinfo, SysDmesg, SysSetenv, SysListenv, SysSetCritical,
		SysAdduser, SysDeluser, SysAddgroup, SysDelgroup:
		return caps.System

	case SysDllLoad:
		return caps.DLL

	case SysThreadCreate:
		return caps.Thread

	case SysPermStore, SysPermList, SysPermDelete:
		return caps.ManagePerms
	}

	// Unknown numbers carry no capability; dispatch rejects them anyway.
	return 0
}
