// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 提供运维 HTTP 服务器：Prometheus 指标、存活与就绪探针。

# 核心类型

  - Manager：封装 net/http.Server，提供非阻塞 Start、阻塞到 ctx 结束的
    Run 以及带超时的 Shutdown；异步错误通过 Errors() 传播。
  - OpsHandler：组装 /metrics（promhttp）、/healthz 与 /readyz 路由，
    就绪检查由调用方以 HealthCheck 注入，例如检查点存储的 Ping。
*/
package server
