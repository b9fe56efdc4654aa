package utils

import (
	"net"
	"strings"

	"golang.org/x/xerrors"
)

// preferredInterfaces 优先选择的接口名称（按优先级排序）
var preferredInterfaces = []string{"eth", "en", "wlan", "wifi"}

// GetLocalIP 获取本机对外可见的IPv4地址，找不到时退回回环地址
func GetLocalIP() (string, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "", xerrors.Errorf("枚举网络接口失败: %v", err)
	}

	var fallback string
	for _, preferred := range append(preferredInterfaces, "") {
		for _, iface := range interfaces {
			if iface.Flags&net.FlagUp == 0 || !strings.Contains(strings.ToLower(iface.Name), preferred) {
				continue
			}
			if ip := firstIPv4(iface); ip != "" {
				if preferred != "" {
					return ip, nil
				}
				if fallback == "" {
					fallback = ip
				}
			}
		}
	}
	if fallback != "" {
		return fallback, nil
	}
	return "127.0.0.1", nil
}

func firstIPv4(iface net.Interface) string {
	addrs, err := iface.Addrs()
	if err != nil {
		return ""
	}
	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() && ipnet.IP.To4() != nil {
			return ipnet.IP.String()
		}
	}
	return ""
}
